package core

import (
	"strings"
	"sync"
)

// UserLocks serializes balance-affecting work per user. Locks for different
// users never contend; idle entries are dropped.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until the caller holds publicKey's lock and returns the
// function that releases it.
func (l *UserLocks) Lock(publicKey string) (unlock func()) {
	key := strings.ToLower(publicKey)

	l.mu.Lock()
	ul, ok := l.locks[key]
	if !ok {
		ul = &userLock{}
		l.locks[key] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ul.mu.Unlock()
			l.mu.Lock()
			ul.refs--
			if ul.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

func (l *UserLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
