package workdir

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	var (
		m = &KeyedMutex{}
		a = Key{Workdir: "/w", Upperdir: "/u"}
		b = Key{Workdir: "/w2", Upperdir: "/u"}
	)

	unlockA, err := m.Lock(context.Background(), a)
	require.NoError(t, err)

	// A different key doesn't block.
	unlockB, err := m.Lock(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, unlockB())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, a)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	acquired := make(chan struct{})
	go func() {
		unlock, err := m.Lock(context.Background(), a)
		if err == nil {
			_ = unlock()
		}
		close(acquired)
	}()

	require.NoError(t, unlockA())
	require.NoError(t, unlockA())

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	require.Zero(t, m.Held())
}

func TestFileLocker(t *testing.T) {
	var (
		fl  = FileLocker{Dir: t.TempDir(), RetryDelay: time.Millisecond}
		key = Key{Workdir: "/w", Upperdir: "/u"}
	)

	require.NotEqual(t, fl.LockPath(key), fl.LockPath(Key{Workdir: "/w", Upperdir: "/u2"}))

	unlock, err := fl.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fl.Lock(ctx, key)
	require.Error(t, err)

	require.NoError(t, unlock())

	unlock, err = fl.Lock(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

type recordingLocker struct {
	name string
	log  *[]string
	err  error
}

func (r recordingLocker) Lock(ctx context.Context, key Key) (func() error, error) {
	if r.err != nil {
		return nil, r.err
	}
	*r.log = append(*r.log, "lock "+r.name)
	return func() error {
		*r.log = append(*r.log, "unlock "+r.name)
		return nil
	}, nil
}

func TestChainLockers(t *testing.T) {
	var events []string

	l := ChainLockers(
		recordingLocker{name: "a", log: &events},
		recordingLocker{name: "b", log: &events},
	)
	unlock, err := l.Lock(context.Background(), Key{})
	require.NoError(t, err)
	require.NoError(t, unlock())
	require.Equal(t, []string{"lock a", "lock b", "unlock b", "unlock a"}, events)

	events = nil
	errLock := errors.New("busy")
	l = ChainLockers(
		recordingLocker{name: "a", log: &events},
		recordingLocker{name: "b", log: &events, err: errLock},
	)
	_, err = l.Lock(context.Background(), Key{})
	require.Equal(t, errLock, err)
	require.Equal(t, []string{"lock a", "unlock a"}, events)
}
