package response

import (
	"context"
	"io"
	"iter"
	"sync"
)

// queue is the state shared by a Producer and its Stream.
type queue struct {
	mu       sync.Mutex
	frames   []Frame
	closed   bool
	err      error
	released bool

	ready    chan struct{} // capacity 1; signalled when frames are appended
	closedCh chan struct{} // closed by the producer
	done     chan struct{} // closed by the consumer
}

// Producer is the sending side of a Stream.
type Producer struct {
	q *queue
}

// Stream is the receiving side: an unbounded FIFO of frames that ends with
// io.EOF, or with the producer's error, once every buffered frame has been
// delivered.
type Stream struct {
	q *queue
}

// NewStream creates a connected producer and stream.
func NewStream() (*Producer, *Stream) {
	q := &queue{
		ready:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	return &Producer{q: q}, &Stream{q: q}
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Send appends a frame. It never blocks and reports false when the frame was
// dropped because the stream is closed or released.
func (p *Producer) Send(f Frame) bool {
	q := p.q
	q.mu.Lock()
	if q.closed || q.released {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	q.signal()
	return true
}

// Close ends the stream normally. Further calls are no-ops.
func (p *Producer) Close() {
	p.CloseWithError(nil)
}

// CloseWithError ends the stream with err, which consumers receive after
// draining the buffered frames. A nil err is a normal end.
func (p *Producer) CloseWithError(err error) {
	q := p.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.closedCh)
}

// Released is closed once the consumer no longer wants frames.
func (p *Producer) Released() <-chan struct{} {
	return p.q.done
}

// Next returns the next frame, blocking until one is available. At the end of
// the stream it returns io.EOF or the producer's error.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	q := s.q
	for {
		q.mu.Lock()
		if q.released {
			q.mu.Unlock()
			return Frame{}, ErrReleased
		}
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			more := len(q.frames) > 0
			q.mu.Unlock()
			if more {
				// Pass the wake-up on to another waiting consumer.
				q.signal()
			}
			return f, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Frame{}, err
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.closedCh:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// All iterates over the remaining frames. A terminal error other than io.EOF
// is yielded once as the last element.
func (s *Stream) All(ctx context.Context) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Collect drains the stream into a batch.
func (s *Stream) Collect(ctx context.Context) (*Batch, error) {
	var frames []Frame
	for f, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return &Batch{frames: frames}, nil
}

// Release tells the producer to stop and discards buffered frames.
func (s *Stream) Release() {
	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return
	}
	q.released = true
	q.frames = nil
	close(q.done)
}
