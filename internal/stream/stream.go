// Package stream provides the push-based byte stream that travels through a chain.
//
// A Stream is written by a producer (Write, or a reader attached with FromReader)
// and delivers every chunk, in write order, to each consumer attached at delivery
// time. Consumers are io.Writers attached with Pipe or Tap, or readers obtained
// from Reader. Delivery starts once the stream is active: at least one consumer is
// attached, the stream is not paused and it is not held (see NewRelay).
//
// A stream whose last consumer fails ends with that consumer's error; queued
// chunks are dropped and further writes fail.
package stream

import (
	"errors"
	"io"
	"sync"
)

// DefaultHighWater is the number of buffered bytes above which Write blocks. A
// held relay buffers past it until released.
const DefaultHighWater = 64 * 1024

const readChunkSize = 32 * 1024

// ErrClosed is returned by Write after the stream has been closed.
var ErrClosed = errors.New("stream: write after close")

type sink struct {
	w     io.Writer
	close bool
}

// Stream is a push-based chunk source with pause/resume flow control.
type Stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunks    [][]byte
	buffered  int
	highWater int
	sinks     []*sink
	source    io.Reader

	paused   bool
	held     bool
	started  bool
	closed   bool
	aborted  bool
	finished bool
	err      error
	bytes    int64

	done chan struct{}
}

// New returns an empty writable stream.
func New() *Stream {
	s := &Stream{
		highWater: DefaultHighWater,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// FromReader returns a stream fed from r. The reader is only read while the stream
// is active, so nothing is consumed before a consumer is attached. r is closed at
// EOF when it implements io.Closer.
func FromReader(r io.Reader) *Stream {
	s := New()
	s.source = r
	return s
}

// Write queues a copy of p for delivery.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && !s.held && s.buffered >= s.highWater {
		s.cond.Wait()
	}
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.enqueueLocked(append([]byte(nil), p...))
	return len(p), nil
}

// Close ends the stream once all queued chunks have been delivered.
func (s *Stream) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError ends the stream with err. Consumers attached with Pipe receive err
// through CloseWithError when they support it.
func (s *Stream) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
	return nil
}

// Abort ends the stream with err at once. Queued chunks are dropped, blocked
// writers return ErrClosed and streams fed from this one are aborted too. It
// has no effect once the stream has finished.
func (s *Stream) Abort(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.abortLocked(err)
	sinks := append([]*sink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sk := range sinks {
		if downstream, ok := sk.w.(*Stream); ok {
			downstream.Abort(err)
		}
	}
}

func (s *Stream) abortLocked(err error) {
	s.closed = true
	s.aborted = true
	if s.err == nil {
		s.err = err
	}
	s.chunks = nil
	s.buffered = 0
	if !s.started {
		s.started = true
		go s.pump()
	}
	s.cond.Broadcast()
}

// Pipe attaches w as a consumer and resumes the stream. w is closed when the
// stream ends if it implements io.Closer.
func (s *Stream) Pipe(w io.Writer) {
	s.attach(&sink{w: w, close: true})
}

// Tap attaches w as a consumer that is never closed by the stream.
func (s *Stream) Tap(w io.Writer) {
	s.attach(&sink{w: w})
}

// Reader attaches a new consumer and returns its read side. Closing the reader
// detaches the consumer.
func (s *Stream) Reader() io.ReadCloser {
	pr, pw := io.Pipe()
	s.Pipe(pw)
	return pr
}

// Pause stops delivery after the chunk in flight. Attaching a consumer resumes.
func (s *Stream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts delivery after Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.startLocked()
}

// Done is closed once the stream has ended and every consumer has been closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the stream ended with. It is only meaningful after Done.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Bytes returns the number of bytes accepted by the stream so far.
func (s *Stream) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Stream) active() bool {
	return len(s.sinks) > 0 && !s.paused && !s.held
}

func (s *Stream) enqueueLocked(chunk []byte) {
	s.chunks = append(s.chunks, chunk)
	s.buffered += len(chunk)
	s.bytes += int64(len(chunk))
	s.cond.Broadcast()
}

func (s *Stream) attach(sk *sink) {
	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		closeSink(sk, err)
		return
	}
	s.sinks = append(s.sinks, sk)
	s.paused = false
	s.startLocked()
	s.mu.Unlock()
}

// fail removes a consumer whose write returned err. Losing the last consumer
// aborts the stream.
func (s *Stream) fail(sk *sink, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.sinks {
		if cur == sk {
			s.sinks = append(s.sinks[:i:i], s.sinks[i+1:]...)
			break
		}
	}
	if len(s.sinks) == 0 && !s.aborted {
		s.abortLocked(err)
	}
}

// startLocked launches the delivery goroutine the first time the stream is active.
func (s *Stream) startLocked() {
	if !s.active() {
		return
	}
	if !s.started {
		s.started = true
		go s.pump()
	}
	s.cond.Broadcast()
}

func (s *Stream) pump() {
	for {
		s.mu.Lock()
		for !s.aborted && (!s.active() || (len(s.chunks) == 0 && !s.closed && s.source == nil)) {
			s.cond.Wait()
		}

		if len(s.chunks) > 0 && !s.aborted {
			chunk := s.chunks[0]
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			s.buffered -= len(chunk)
			sinks := append([]*sink(nil), s.sinks...)
			s.cond.Broadcast()
			s.mu.Unlock()

			s.deliver(chunk, sinks)
			continue
		}

		if s.closed {
			sinks := s.sinks
			s.sinks = nil
			err := s.err
			s.finished = true
			src := s.source
			s.source = nil
			s.mu.Unlock()

			if c, ok := src.(io.Closer); ok {
				c.Close()
			}

			for _, sk := range sinks {
				closeSink(sk, err)
			}
			close(s.done)
			return
		}

		src := s.source
		s.mu.Unlock()
		s.fill(src)
	}
}

// fill reads one chunk from the attached reader.
func (s *Stream) fill(src io.Reader) {
	buf := make([]byte, readChunkSize)
	n, err := src.Read(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n > 0 {
		s.enqueueLocked(buf[:n])
	}
	if err == nil {
		return
	}

	s.source = nil
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
	if !s.closed {
		s.closed = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
	}
	s.cond.Broadcast()
}

func (s *Stream) deliver(chunk []byte, sinks []*sink) {
	for _, sk := range sinks {
		if _, err := sk.w.Write(chunk); err != nil {
			s.fail(sk, err)
			closeSink(sk, err)
		}
	}
}

type errorCloser interface {
	CloseWithError(error) error
}

func closeSink(sk *sink, err error) {
	if !sk.close {
		return
	}
	if err != nil {
		if ec, ok := sk.w.(errorCloser); ok {
			ec.CloseWithError(err)
			return
		}
	}
	if c, ok := sk.w.(io.Closer); ok {
		c.Close()
	}
}
