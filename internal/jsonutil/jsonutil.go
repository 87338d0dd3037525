// Package jsonutil provides Unicode-preserving JSON marshal/unmarshal helpers.
// encoding/json's default Marshal escapes the HTML-sensitive characters <, > and & as
// \uXXXX sequences; every JSON column and WebSocket payload in this system is
// written through these helpers instead, so stored text (including CJK text such as
// "摘要（500字內）") round-trips byte for byte.
package jsonutil

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v to JSON without HTML-escaping and without a trailing newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// Unmarshal is a thin alias of json.Unmarshal, kept alongside Marshal so call sites
// import one package for both directions.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
