package response

import (
	"strings"
)

const (
	// DataPrefix starts every block of a streamed body.
	DataPrefix = "data: "

	// BlockDelimiter separates blocks of a streamed body.
	BlockDelimiter = "\n\n"
)

// Batch is an ordered, complete set of frames.
type Batch struct {
	frames []Frame
}

// NewBatch creates a batch from frames in order.
func NewBatch(frames ...Frame) *Batch {
	return &Batch{frames: append([]Frame(nil), frames...)}
}

// FromText parses a complete streamed body. Any malformed block fails the
// whole parse; no partial batch is returned.
func FromText(body string) (*Batch, error) {
	var frames []Frame
	for _, part := range strings.Split(body, BlockDelimiter) {
		if part == "" {
			continue
		}
		frame, err := parseBlock(part)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return &Batch{frames: frames}, nil
}

// parseBlock strips the data prefix from one block and decodes the payload.
func parseBlock(part string) (Frame, error) {
	payload, ok := strings.CutPrefix(part, DataPrefix)
	if !ok {
		return Frame{}, &MalformedFrameError{Part: part}
	}
	return ParseFrame(payload)
}

// Frames returns a copy of the frames in order.
func (b *Batch) Frames() []Frame {
	return append([]Frame(nil), b.frames...)
}

// Len returns the number of frames.
func (b *Batch) Len() int {
	return len(b.frames)
}

// Results returns the result of every frame, failing on the first frame
// without one.
func (b *Batch) Results() ([]string, error) {
	results := make([]string, 0, len(b.frames))
	for _, f := range b.frames {
		r, err := f.Result()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// WholeResult concatenates every frame's result in order.
func (b *Batch) WholeResult() (string, error) {
	var sb strings.Builder
	for _, f := range b.frames {
		r, err := f.Result()
		if err != nil {
			return "", err
		}
		sb.WriteString(r)
	}
	return sb.String(), nil
}
