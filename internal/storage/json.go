package storage

import "encoding/json"

// marshalJSON encodes v for a TEXT column, mapping nil/empty to the given
// zero literal so columns never hold SQL NULL for collection fields
func marshalJSON(v interface{}, zero string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return zero
	}
	return string(data)
}

// unmarshalJSON decodes a TEXT column into out, ignoring empty cells
func unmarshalJSON(raw string, out interface{}) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
