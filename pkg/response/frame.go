// Package response decodes Qianfan API responses into frames.
//
// A single JSON object returned by the API is a [Frame]. A server-sent body
// is a sequence of blocks separated by a blank line, each of the form
// "data: <json object>". [FromText] parses a complete body into a [Batch];
// [ReadStream] parses a body as it arrives and feeds a [Stream].
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ResultField is the field carrying generated text.
const ResultField = "result"

// Frame is one decoded JSON object.
type Frame struct {
	fields map[string]any
}

// NewFrame wraps already decoded fields.
func NewFrame(fields map[string]any) Frame {
	if fields == nil {
		fields = map[string]any{}
	}
	return Frame{fields: fields}
}

// ParseFrame decodes payload, which must be a single JSON object. Numbers
// are kept as json.Number so that large integers survive.
func ParseFrame(payload string) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if fields == nil {
		return Frame{}, fmt.Errorf("%w: payload is not an object", ErrInvalidJSON)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Frame{}, fmt.Errorf("%w: trailing data after object", ErrInvalidJSON)
	}

	return Frame{fields: fields}, nil
}

// Get returns the raw value of key.
func (f Frame) Get(key string) (any, bool) {
	v, ok := f.fields[key]
	return v, ok
}

// Fields returns the underlying map. Changes to it are visible through the frame.
func (f Frame) Fields() map[string]any {
	return f.fields
}

// Decode re-decodes the frame into v, typically a pointer to a struct.
func (f Frame) Decode(v any) error {
	data, err := json.Marshal(f.fields)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

// GetString returns the string value of key.
func (f Frame) GetString(key string) (string, error) {
	v, ok := f.fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, not string", ErrWrongType, key, v)
	}
	return s, nil
}

// Result returns the generated text carried by the frame.
func (f Frame) Result() (string, error) {
	return f.GetString(ResultField)
}

// IsEnd reports whether the provider marked this frame as the last of a
// streamed reply.
func (f Frame) IsEnd() bool {
	end, _ := f.fields["is_end"].(bool)
	return end
}

// MarshalJSON encodes the frame as its original object.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f.fields)
}
