package scanner

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// DefaultStreamCapacity is the number of lines a Stream buffers before the
// worker blocks.
const DefaultStreamCapacity = 16

// Stream decouples row acquisition from the consumer. A worker goroutine
// owns the session and pushes whole lines into a bounded channel; when the
// consumer falls behind the worker blocks instead of buffering more.
type Stream struct {
	frame Frame
	lines chan []byte

	cancel atomic.Bool
	stop   chan struct{}
	once   sync.Once

	done chan struct{}
	err  error
}

// Stream starts the worker. The session must not be used directly
// afterwards. capacity <= 0 selects DefaultStreamCapacity.
func (s *Session) Stream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	st := &Stream{
		frame: s.frame,
		lines: make(chan []byte, capacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go st.run(s)
	return st
}

func (st *Stream) run(s *Session) {
	defer close(st.done)
	defer close(st.lines)

	bpl := s.frame.BytesPerLine
	for n := 0; ; n++ {
		if st.cancel.Load() {
			st.err = st.unwind(s)
			return
		}
		line := make([]byte, bpl)
		if _, err := io.ReadFull(s, line); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("stream complete", "lines", n)
				return
			}
			st.err = err
			return
		}
		select {
		case st.lines <- line:
		case <-st.stop:
			st.err = st.unwind(s)
			return
		}
	}
}

func (st *Stream) unwind(s *Session) error {
	if err := s.Cancel(); err != nil {
		slog.Warn("cancel teardown failed", "err", err)
	}
	return ma1017.ErrCancelled
}

// Frame returns the image parameters of the streamed lines.
func (st *Stream) Frame() Frame { return st.frame }

// Lines returns the channel of image lines. It is closed when the scan
// ends, fails or is cancelled.
func (st *Stream) Lines() <-chan []byte { return st.lines }

// Cancel asks the worker to stop at the next line boundary. It does not
// wait; use Wait for that.
func (st *Stream) Cancel() {
	st.cancel.Store(true)
	st.once.Do(func() { close(st.stop) })
}

// Wait blocks until the worker has finished and the device is settled. It
// returns nil after a complete scan and ErrCancelled after Cancel.
func (st *Stream) Wait() error {
	<-st.done
	return st.err
}

// Done is closed when the worker has exited.
func (st *Stream) Done() <-chan struct{} { return st.done }
