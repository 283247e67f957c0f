package concurrency

import "sync"

// ThreadLockManager serializes per-thread processing. A process may host many
// agents, but at most one turn runs against a given thread at a time.
type ThreadLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewThreadLockManager() *ThreadLockManager {
	return &ThreadLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *ThreadLockManager) Lock(threadID string) {
	m.mu.Lock()
	lock, ok := m.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[threadID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *ThreadLockManager) Unlock(threadID string) {
	m.mu.Lock()
	lock, ok := m.locks[threadID]
	m.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// TryLock acquires the thread lock only if it is free.
func (m *ThreadLockManager) TryLock(threadID string) bool {
	m.mu.Lock()
	lock, ok := m.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[threadID] = lock
	}
	m.mu.Unlock()
	return lock.TryLock()
}
