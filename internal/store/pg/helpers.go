package pg

import (
	"encoding/json"
)

// --- Nullable helpers ---

func nilInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- JSON helpers ---

func jsonOrEmpty(data []byte) []byte {
	if data == nil {
		return []byte("{}")
	}
	return data
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}
