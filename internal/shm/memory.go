package shm

import (
	"sync"
	"sync/atomic"
)

// Memory is an in-process Provider. Segments are shared between every handle
// created from the same Memory value and vanish with their last attachment.
type Memory struct {
	mu       sync.Mutex
	segments map[string]*memoryRegion
	locks    map[string]*sync.Mutex
}

type memoryRegion struct {
	lock     sync.Mutex
	data     []byte
	attached int
}

type memorySegment struct {
	owner    *Memory
	name     string
	region   *memoryRegion
	held     atomic.Bool
	detached atomic.Bool
}

type memoryReleaser struct {
	once sync.Once
	mu   *sync.Mutex
}

// NewMemory returns an empty in-process provider.
func NewMemory() *Memory {
	return &Memory{
		segments: make(map[string]*memoryRegion),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Memory) Create(name string, size int) (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.segments[name]; ok {
		return nil, ErrExist
	}
	region := &memoryRegion{data: make([]byte, size), attached: 1}
	m.segments[name] = region
	return &memorySegment{owner: m, name: name, region: region}, nil
}

func (m *Memory) Attach(name string, size int) (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	region, ok := m.segments[name]
	if !ok {
		return nil, ErrNotExist
	}
	if len(region.data) < size {
		return nil, ErrSize
	}
	region.attached++
	return &memorySegment{owner: m, name: name, region: region}, nil
}

func (m *Memory) Acquire(name string) (Releaser, error) {
	m.mu.Lock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	return &memoryReleaser{mu: mu}, nil
}

// Exists reports whether a segment with name is currently attached anywhere.
func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.segments[name]
	return ok
}

func (r *memoryReleaser) Release() error {
	r.once.Do(r.mu.Unlock)
	return nil
}

func (s *memorySegment) Name() string { return s.name }

func (s *memorySegment) Size() int { return len(s.region.data) }

func (s *memorySegment) Lock() error {
	if s.detached.Load() {
		return ErrDetached
	}
	s.region.lock.Lock()
	s.held.Store(true)
	return nil
}

func (s *memorySegment) Unlock() error {
	if !s.held.CompareAndSwap(true, false) {
		return ErrNotLocked
	}
	s.region.lock.Unlock()
	return nil
}

func (s *memorySegment) ReadAt(p []byte, off int64) (int, error) {
	if s.detached.Load() {
		return 0, ErrDetached
	}
	return readAt(s.region.data, p, off)
}

func (s *memorySegment) WriteAt(p []byte, off int64) (int, error) {
	if s.detached.Load() {
		return 0, ErrDetached
	}
	return writeAt(s.region.data, p, off)
}

func (s *memorySegment) Detach() error {
	if !s.detached.CompareAndSwap(false, true) {
		return ErrDetached
	}
	if s.held.CompareAndSwap(true, false) {
		s.region.lock.Unlock()
	}

	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.region.attached--
	if s.region.attached == 0 && s.owner.segments[s.name] == s.region {
		delete(s.owner.segments, s.name)
	}
	return nil
}
