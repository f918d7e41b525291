package store

import "encoding/json"

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Session and presence values are plain structs; this cannot
		// fail at runtime.
		panic(err)
	}
	return string(data)
}

func unmarshalJSON(raw string, dst any) error {
	return json.Unmarshal([]byte(raw), dst)
}
