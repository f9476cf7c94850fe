package response

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Policy decides what the stream reader does with a block it cannot parse.
type Policy int

const (
	// PropagateAndClose closes the stream with the parse error.
	PropagateAndClose Policy = iota

	// SkipMalformed logs the block and keeps reading.
	SkipMalformed
)

func (p Policy) String() string {
	switch p {
	case PropagateAndClose:
		return "propagate"
	case SkipMalformed:
		return "skip"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "propagate" or "skip".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "propagate":
		return PropagateAndClose, nil
	case "skip":
		return SkipMalformed, nil
	default:
		return 0, fmt.Errorf("unknown stream policy %q", s)
	}
}

const (
	initialBlockBuffer = 64 * 1024
	maxBlockSize       = 8 * 1024 * 1024
)

// splitBlocks is a bufio.SplitFunc that yields the text between block delimiters.
func splitBlocks(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte(BlockDelimiter)); i >= 0 {
		return i + len(BlockDelimiter), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ReadStream parses blocks from r as they arrive and sends the frames to p.
// It always closes p: normally at EOF, or with the read or parse error. It
// returns early once the consumer releases the stream or ctx is done. A nil
// logger means slog.Default().
func ReadStream(ctx context.Context, r io.Reader, p *Producer, policy Policy, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBlockBuffer), maxBlockSize)
	scanner.Split(splitBlocks)

	var err error
	defer func() { p.CloseWithError(err) }()

	for scanner.Scan() {
		select {
		case <-p.Released():
			return
		case <-ctx.Done():
			err = ctx.Err()
			return
		default:
		}

		part := scanner.Text()
		if part == "" {
			continue
		}

		frame, parseErr := parseBlock(part)
		if parseErr != nil {
			if policy == SkipMalformed {
				logger.Warn("skipping malformed stream block", "error", parseErr)
				continue
			}
			err = parseErr
			return
		}
		p.Send(frame)
	}

	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("reading stream: %w", scanErr)
	}
}
