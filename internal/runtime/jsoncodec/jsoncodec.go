// Package jsoncodec centralises JSON encoding so payloads, worker definitions
// and decoded deliveries all go through the same sonic configuration.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// DecodeAny unmarshals data into the generic representation used by the JSON
// middleware: objects become map[string]any, numbers float64.
func DecodeAny(data []byte) (any, error) {
	var out any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
