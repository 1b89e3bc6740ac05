package ledger

import "encoding/json"

// FieldChange holds the before and after value of one changed key.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// DiffShallow compares two shallow state snapshots key by key and returns the
// changed keys with their before/after values. Values are compared by their
// JSON form, so equal-but-differently-typed numbers still compare equal the
// way they would after a storage round trip. Callers typically place the
// result under metadata["diff"] on an audit record.
func DiffShallow(oldObj, newObj map[string]interface{}) map[string]FieldChange {
	changed := make(map[string]FieldChange)

	keys := make(map[string]struct{}, len(oldObj)+len(newObj))
	for k := range oldObj {
		keys[k] = struct{}{}
	}
	for k := range newObj {
		keys[k] = struct{}{}
	}

	for k := range keys {
		var o, n interface{}
		if oldObj != nil {
			o = oldObj[k]
		}
		if newObj != nil {
			n = newObj[k]
		}
		if !jsonEqual(o, n) {
			changed[k] = FieldChange{Old: o, New: n}
		}
	}

	return changed
}

func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return string(aj) == string(bj)
}
