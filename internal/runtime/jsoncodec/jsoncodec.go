// Package jsoncodec centralises JSON encoding on bytedance/sonic with the
// encoding/json compatible configuration.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v followed by a newline, which makes it suitable for JSON-lines sinks.
func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// Convert re-shapes in into out through a JSON round trip, for example a
// map[string]any payload into a typed struct.
func Convert(in any, out any) error {
	data, err := Marshal(in)
	if err != nil {
		return err
	}
	return Unmarshal(data, out)
}
