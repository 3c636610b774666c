package vmm

import "sync"

// Shootdown propagates a translation invalidation to the other attached
// CPUs after a mapping change. Implementations must not assume the caller
// waits for remote acknowledgement; a stale remote access that races the
// broadcast resolves through the fault path.
type Shootdown interface {
	Broadcast(start, end uintptr)
}

// RemoteFlushFn delivers a shootdown notification to one remote CPU. On
// real hardware this sends the invalidation IPI; the handler on the
// receiving side reloads its active directory, discarding every cached
// translation.
type RemoteFlushFn func(cpu int)

// coarseShootdown models the interrupt-driven broadcast: the precise range
// is dropped on the floor and every other attached CPU discards its whole
// translation cache. Wasteful but always correct, and the common case of a
// single attached CPU costs nothing.
type coarseShootdown struct {
	m      *Manager
	notify RemoteFlushFn

	mu            sync.Mutex
	broadcasts    uint64
	remoteFlushes uint64
}

func (s *coarseShootdown) Broadcast(start, end uintptr) {
	m := s.m
	self := m.currentCPU()

	m.cpuMu.Lock()
	var targets []int
	for cpu, attached := range m.attached {
		if attached && cpu != self {
			targets = append(targets, cpu)
		}
	}
	m.cpuMu.Unlock()

	if len(targets) == 0 {
		return
	}

	s.mu.Lock()
	s.broadcasts++
	s.remoteFlushes += uint64(len(targets))
	s.mu.Unlock()

	if s.notify == nil {
		return
	}
	for _, cpu := range targets {
		s.notify(cpu)
	}
}

// Broadcasts returns the number of invalidations that reached at least one
// remote CPU.
func (s *coarseShootdown) Broadcasts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.broadcasts
}

// RemoteFlushes returns the total number of per-CPU cache flushes issued.
func (s *coarseShootdown) RemoteFlushes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteFlushes
}
