package latency

import (
	"context"
	"sync"
)

// Signal is a level-triggered flag that goroutines can poll or wait on.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the flag and releases every waiter. It reports whether the flag
// changed.
func (s *Signal) Set() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	close(s.ch)
	return true
}

// Clear lowers the flag. It reports whether the flag changed.
func (s *Signal) Clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return false
	}
	s.set = false
	s.ch = make(chan struct{})
	return true
}

func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// wait blocks until the flag is set or ctx is done.
func (s *Signal) wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
