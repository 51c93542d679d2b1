package dispatch

import "context"

// semaphore bounds concurrently executing runs. Tokens are pre-filled up to
// limit. A nil semaphore never blocks.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		return nil
	}
	s := &semaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *semaphore) acquire(ctx context.Context) bool {
	if s == nil {
		return true
	}
	select {
	case <-s.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *semaphore) release() {
	if s == nil {
		return
	}
	// Never block on release.
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *semaphore) available() int {
	if s == nil {
		return -1
	}
	return len(s.ch)
}
