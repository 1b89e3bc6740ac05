// canonical.go implements the byte-stable serialization used as hash input for
// every ledger record. Two logically equal records must canonicalize to the
// same string regardless of in-memory key order, so object keys are sorted
// lexicographically before serialization. Arrays keep their order; nil
// serializes to the fixed sentinel "null".
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonicalize produces the canonical string form of v.
//
// Rules:
//   - nil                  -> "null"
//   - objects (maps)       -> {"a":...,"b":...} with keys sorted and JSON-quoted
//   - arrays/slices        -> [...] preserving element order
//   - strings              -> JSON string form
//   - bools, numbers       -> their standard textual form
//   - time.Time            -> JSON-quoted RFC 3339 (UTC)
//   - anything else        -> marshalled to JSON, decoded, and re-canonicalized
//
// Inputs are plain, already-sanitized records; cycle detection is deliberately
// out of scope.
func Canonicalize(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return jsonQuote(val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return canonicalFloat(float64(val))
	case float64:
		return canonicalFloat(val)
	case json.Number:
		return val.String()
	case time.Time:
		return jsonQuote(val.UTC().Format(time.RFC3339Nano))
	case []interface{}:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = Canonicalize(elem)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = jsonQuote(k) + ":" + Canonicalize(val[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = jsonQuote(k) + ":" + jsonQuote(val[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case *string:
		if val == nil {
			return "null"
		}
		return jsonQuote(*val)
	default:
		// Structs and less common shapes take the JSON round-trip so their
		// fields land in the map/slice cases above with deterministic order.
		data, err := json.Marshal(v)
		if err != nil {
			return jsonQuote(fmt.Sprintf("%v", v))
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return jsonQuote(string(data))
		}
		return Canonicalize(decoded)
	}
}

// canonicalFloat renders a float the way encoding/json does, so integral
// floats print without a trailing ".0" and repeated calls agree byte for byte.
func canonicalFloat(f float64) string {
	data, err := json.Marshal(f)
	if err != nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return string(data)
}

func jsonQuote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `"` + s + `"`
	}
	return string(data)
}
