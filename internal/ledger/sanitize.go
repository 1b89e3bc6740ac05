// sanitize.go is the deserialization boundary between stored records and
// callers outside the storage layer. Stored metadata may carry store-specific
// timestamp wrapper shapes; this pass converts anything timestamp-like into a
// plain ISO-8601 string and recurses through arrays and objects so handlers
// never leak wrapper types.
package ledger

import (
	"fmt"
	"time"
)

// SanitizeValue converts v into a plain, JSON-serializable value. time.Time
// values and duck-typed timestamp wrappers (objects with numeric "seconds" /
// "nanoseconds" fields) become ISO-8601 strings; primitives pass through
// untouched; arrays and objects are sanitized recursively. Anything else is
// stringified rather than dropped.
func SanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int, int32, int64, float32, float64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = SanitizeValue(elem)
		}
		return out
	case map[string]interface{}:
		if iso, ok := timestampWrapperToISO(val); ok {
			return iso
		}
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = SanitizeValue(elem)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}

// SanitizeObject sanitizes every value of obj. A nil map sanitizes to nil.
func SanitizeObject(obj map[string]interface{}) map[string]interface{} {
	if obj == nil {
		return nil
	}
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = SanitizeValue(v)
	}
	return out
}

// timestampWrapperToISO recognizes the {seconds, nanoseconds} wrapper shape
// that document stores use for timestamps and converts it to ISO-8601.
func timestampWrapperToISO(obj map[string]interface{}) (string, bool) {
	secs, ok := numericField(obj, "seconds")
	if !ok {
		return "", false
	}
	nanos, ok := numericField(obj, "nanoseconds")
	if !ok {
		nanos, _ = numericField(obj, "_nanoseconds")
	}
	t := time.Unix(int64(secs), int64(nanos)).UTC()
	return t.Format(time.RFC3339), true
}

func numericField(obj map[string]interface{}, key string) (float64, bool) {
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
