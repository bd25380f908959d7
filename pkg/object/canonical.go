package object

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize returns the deterministic JSON serialization of v: object
// keys sorted, no insignificant whitespace, no HTML escaping and numbers
// preserved as written. Values with identical canonical forms share a digest.
func Canonicalize(v any) ([]byte, error) {
	raw, err := encodeJSON(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	out, err := encodeJSON(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
