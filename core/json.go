package core

import (
	"encoding/json"
	"log"
)

// EncodeJSON marshals v for publication, returning nil on failure so callers
// can treat a bad payload as an empty message instead of crashing.
func EncodeJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to encode JSON: %v", err)
		return nil
	}
	return data
}

// DecodeJSON unmarshals data into v.
func DecodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
