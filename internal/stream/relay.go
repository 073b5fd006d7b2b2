package stream

// NewRelay returns a stream attached as a consumer of src that emits nothing
// until it has both a consumer of its own and been released. Everything src
// delivers in the meantime is buffered and forwarded in order once the relay
// becomes active. Errors from src pass through unchanged.
//
// The hold lets several consumers attach to the relay before the first chunk
// moves. Release is idempotent.
func NewRelay(src *Stream) *Stream {
	r := New()
	r.paused = true
	r.held = true
	src.Pipe(r)
	return r
}

// Release lifts the hold placed by NewRelay. It has no effect on other streams.
func (s *Stream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return
	}
	s.held = false
	s.startLocked()
}

// Held reports whether the stream is still held by NewRelay.
func (s *Stream) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
