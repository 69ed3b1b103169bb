// Package lock provides the mutual exclusion used to keep reconciliation runs
// from overlapping, either inside one process or across a fleet through Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotObtained is returned when the key is held by someone else
var ErrNotObtained = errors.New("lock not obtained")

// Lease is a held lock
type Lease interface {
	Release(ctx context.Context) error
	Refresh(ctx context.Context, ttl time.Duration) error
}

// Locker obtains named leases with a time-to-live
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker is an in-process Locker. Expired leases can be taken over.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
	now  func() time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]*localLease),
		now:  time.Now,
	}
}

type localLease struct {
	owner   *LocalLocker
	key     string
	expires time.Time
}

// Obtain implements Locker
func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[key]; ok && l.now().Before(cur.expires) {
		return nil, ErrNotObtained
	}
	lease := &localLease{owner: l, key: key, expires: l.now().Add(ttl)}
	l.held[key] = lease
	return lease, nil
}

func (ll *localLease) Release(ctx context.Context) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[ll.key] == ll {
		delete(l.held, ll.key)
	}
	return nil
}

func (ll *localLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[ll.key] != ll {
		return ErrNotObtained
	}
	ll.expires = l.now().Add(ttl)
	return nil
}
