package response

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is matched by *MalformedFrameError.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidJSON is returned when a frame payload is not a JSON object.
	ErrInvalidJSON = errors.New("invalid frame JSON")

	// ErrMissingField is returned when a frame lacks a requested field.
	ErrMissingField = errors.New("missing field")

	// ErrWrongType is returned when a frame field has an unexpected type.
	ErrWrongType = errors.New("wrong field type")

	// ErrReleased is returned by Stream.Next after the consumer released the stream.
	ErrReleased = errors.New("stream released")
)

// maxPartInMessage bounds how much of an offending block is echoed in errors.
const maxPartInMessage = 80

// MalformedFrameError reports a block that does not start with the data prefix.
type MalformedFrameError struct {
	Part string
}

func (e *MalformedFrameError) Error() string {
	part := e.Part
	if len(part) > maxPartInMessage {
		part = part[:maxPartInMessage] + "..."
	}
	return fmt.Sprintf("malformed frame: missing %q prefix in %q", DataPrefix, part)
}

func (e *MalformedFrameError) Unwrap() error {
	return ErrMalformedFrame
}
