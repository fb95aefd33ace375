package xjson

import (
	gjson "github.com/goccy/go-json"
)

// Single import site for JSON encoding so the implementation can be
// swapped between encoding/json and goccy/go-json without touching callers.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}
