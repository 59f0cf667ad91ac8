package groups

import (
	"e2e_group/internal/model"
	"sync"
)

type (
	// LockRegistry hands out one mutex per group. Entries are created on
	// first use and dropped once nobody holds or waits for them, so the
	// registry only retains groups that are being worked on.
	LockRegistry struct {
		mu    sync.Mutex
		locks map[string]*groupLock
	}

	groupLock struct {
		mu   sync.Mutex
		refs int
	}
)

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*groupLock)}
}

// Lock blocks until the group's mutex is held and returns the function
// that releases it.
func (r *LockRegistry) Lock(id model.GroupID) (unlock func()) {
	key := string(id)

	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &groupLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, key)
			}
			r.mu.Unlock()
		})
	}
}

// Len is the number of groups currently locked or waited on.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
