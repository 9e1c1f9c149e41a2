package workdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
)

// Key identifies the work directory transaction being locked.
type Key struct {
	Workdir  string
	Upperdir string
}

func (k Key) String() string { return k.Workdir + "\x00" + k.Upperdir }

// Locker provides mutual exclusion for work directory transactions.
type Locker interface {
	// Lock blocks until key is held or ctx is canceled. The returned
	// function releases the lock.
	Lock(ctx context.Context, key Key) (unlock func() error, err error)
}

// KeyedMutex is an in-process Locker. The zero value is ready for use.
type KeyedMutex struct {
	mut   sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Lock implements Locker.
func (m *KeyedMutex) Lock(ctx context.Context, key Key) (func() error, error) {
	m.mut.Lock()
	if m.locks == nil {
		m.locks = make(map[Key]*keyLock)
	}
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = kl
	}
	kl.refs++
	m.mut.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-kl.ch
			m.release(key, kl)
		})
		return nil
	}, nil
}

func (m *KeyedMutex) release(key Key, kl *keyLock) {
	m.mut.Lock()
	defer m.mut.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
}

// Held returns the number of keys which are locked or being waited on.
func (m *KeyedMutex) Held() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.locks)
}

// FileLocker is a Locker shared between processes. Each key is locked with
// flock(2) on a file inside Dir.
type FileLocker struct {
	Dir string

	// RetryDelay is how long to wait between attempts to take a lock held by
	// another process. Defaults to 10ms.
	RetryDelay time.Duration
}

// LockPath returns the lock file used for key.
func (fl FileLocker) LockPath(key Key) string {
	return filepath.Join(fl.Dir, fmt.Sprintf("%016x.lock", xxhash.Sum64String(key.String())))
}

// Lock implements Locker.
func (fl FileLocker) Lock(ctx context.Context, key Key) (func() error, error) {
	if err := os.MkdirAll(fl.Dir, 0711); err != nil {
		return nil, fmt.Errorf("error creating lock directory %q: %w", fl.Dir, err)
	}

	delay := fl.RetryDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	path := fl.LockPath(key)
	l := flock.New(path)
	locked, err := l.TryLockContext(ctx, delay)
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %w", path, err)
	} else if !locked {
		return nil, fmt.Errorf("error acquiring lock on %q: %w", path, ctx.Err())
	}
	return l.Unlock, nil
}

// ChainLockers returns a Locker which takes the lock of every Locker in ls
// in order, releasing them in reverse order.
func ChainLockers(ls ...Locker) Locker {
	return chain(ls)
}

type chain []Locker

func (c chain) Lock(ctx context.Context, key Key) (func() error, error) {
	unlocks := make([]func() error, 0, len(c))
	unlockAll := func() error {
		var errs *multierror.Error
		for i := len(unlocks) - 1; i >= 0; i-- {
			if err := unlocks[i](); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}

	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			_ = unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}
