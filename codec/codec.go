// Package codec converts request and response payloads to and from bytes.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Codec encodes and decodes message bodies.
type Codec interface {
	// Decode parses data into v.
	Decode(data []byte, v any) error
	// Encode serializes v.
	Encode(v any) ([]byte, error)
	// ContentType is the content type stamped on encoded messages.
	ContentType() string
}

// JSON is the default codec: UTF-8 JSON text, sent as "text/json".
type JSON struct{}

// Decode implements Codec. Numbers are kept as json.Number so integers
// survive a round trip unchanged.
func (JSON) Decode(data []byte, v any) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("codec: payload is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: decode json: %w", err)
	}
	// Anything but whitespace after the value, including a stray '}' or ']'.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("codec: decode json: trailing data after value")
	}
	return nil
}

// Encode implements Codec.
func (JSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode json: %w", err)
	}
	return b, nil
}

// ContentType implements Codec.
func (JSON) ContentType() string {
	return "text/json"
}
