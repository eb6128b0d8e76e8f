package shm

import (
	"sync"
	"sync/atomic"
)

// Segment is one handle to a mapped segment. Handles are safe for
// concurrent use; Detach waits for in-flight accesses to finish.
type Segment struct {
	m       *Manager
	mp      *mapping
	created bool

	// inflight is read-locked for the duration of every access.
	inflight sync.RWMutex
	detached atomic.Bool
}

func newSegment(m *Manager, mp *mapping, created bool) *Segment {
	return &Segment{m: m, mp: mp, created: created}
}

func (s *Segment) Name() string {
	return s.mp.name
}

func (s *Segment) Path() string {
	return s.mp.region.Path
}

func (s *Segment) Size() int {
	return s.mp.region.Size
}

// Created reports whether this handle created the backing file.
func (s *Segment) Created() bool {
	return s.created
}

// Detached reports whether Detach has been called.
func (s *Segment) Detached() bool {
	return s.detached.Load()
}

// Acquire pins the mapping and returns its bytes. Every successful Acquire
// must be paired with Release. Acquire must not be nested on one goroutine:
// a concurrent Detach would deadlock it.
func (s *Segment) Acquire() ([]byte, error) {
	s.inflight.RLock()
	if s.detached.Load() {
		s.inflight.RUnlock()
		return nil, ErrDetached
	}
	return s.mp.region.Addr, nil
}

// Release ends an access started by Acquire.
func (s *Segment) Release() {
	s.inflight.RUnlock()
}

// Detach waits for in-flight accesses and drops this handle's reference to
// the mapping. It is idempotent.
func (s *Segment) Detach() error {
	if !s.detached.CompareAndSwap(false, true) {
		return nil
	}
	s.inflight.Lock()
	defer s.inflight.Unlock()
	return s.m.release(s.mp)
}
