package wsframe_test

import (
	"sync"

	"github.com/MrWong99/pttlink/pkg/wsframe"
)

// memSocket is an in-memory [wsframe.Socket]. Each entry in reads is returned
// by one Poll call; an empty queue polls as "no data".
type memSocket struct {
	mu      sync.Mutex
	reads   [][]byte
	written [][]byte
	pollErr error
	polls   int
	closed  bool
}

var _ wsframe.Socket = (*memSocket)(nil)

func (s *memSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), p...))
	return len(p), nil
}

func (s *memSocket) Poll(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.reads) == 0 {
		return 0, s.pollErr
	}
	n := copy(p, s.reads[0])
	s.reads = s.reads[1:]
	return n, nil
}

func (s *memSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSocket) push(b ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, b...)
}

func (s *memSocket) frames() []wsframe.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wsframe.Frame
	for _, w := range s.written {
		for len(w) > 0 {
			f, n, err := wsframe.DecodeFrame(w)
			if err != nil {
				break
			}
			out = append(out, f)
			w = w[n:]
		}
	}
	return out
}
