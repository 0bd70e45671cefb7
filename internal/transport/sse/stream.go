// Package sse implements the push channel as a text/event-stream response.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Send once the stream has been closed.
	ErrClosed = errors.New("sse: stream closed")
	// ErrBufferFull is returned by Send when the client is not keeping up.
	ErrBufferFull = errors.New("sse: send buffer full")
)

// Stream buffers frames for one client. Send never blocks; a client that lets
// its buffer fill up is treated as dead by the caller.
type Stream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues one JSON frame.
func (s *Stream) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops Serve. It is safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

type ServeOptions struct {
	// WriteTimeout bounds each frame write. Zero means no deadline.
	WriteTimeout time.Duration
	// OnFlush is called after every frame that reached the client.
	OnFlush func(at time.Time)
}

// Serve writes queued frames to w until the stream is closed, the request
// context ends or a write fails. A nil return means the stream ended without
// a transport error.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, opts ServeOptions) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("sse: flush headers: %w", err)
	}

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-s.done:
			return nil
		case frame := <-s.frames:
			if err := writeFrame(w, rc, frame, opts.WriteTimeout); err != nil {
				return err
			}
			if opts.OnFlush != nil {
				opts.OnFlush(time.Now())
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, rc *http.ResponseController, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := rc.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("sse: set write deadline: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("sse: flush frame: %w", err)
	}
	return nil
}
