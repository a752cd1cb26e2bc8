package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAcquireAndRelease(t *testing.T) {
	owner := filepath.Join(t.TempDir(), "write-backup.lock")
	l := New("write-backup", Options{Scope: t.TempDir(), OwnerFile: owner})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(owner)
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, yaml.Unmarshal(data, &entry))
	assert.Equal(t, os.Getpid(), entry.Pid)
	assert.Equal(t, "write-backup", entry.Name)
	assert.NotEmpty(t, entry.StartedAt)

	got, err := ReadOwner(owner)
	require.NoError(t, err)
	assert.Equal(t, &entry, got)

	require.NoError(t, release())
	assert.NoFileExists(t, owner)
	require.NoError(t, release())
}

func TestReadOwnerIgnoresDeadProcess(t *testing.T) {
	owner := filepath.Join(t.TempDir(), "write-backup.lock")
	require.NoError(t, writeLock(owner, &Entry{Name: "write-backup", Pid: 999999999, StartedAt: "2024-01-01T00:00:00Z"}))

	got, err := ReadOwner(owner)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ReadOwner(filepath.Join(t.TempDir(), "none.lock"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAcquireIsFIFO(t *testing.T) {
	l := New("write-backup", Options{})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			assert.NoError(t, rel())
		}(i)
		// Let waiter i queue before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, release())
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New("write-backup", Options{})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbortWakesWaiters(t *testing.T) {
	l := New("write-backup", Options{})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	errs := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Abort()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by Abort")
	}

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCrossProcessExclusion(t *testing.T) {
	scope := t.TempDir()
	a := New("write-backup", Options{Scope: scope, CrossProcess: true})
	b := New("write-backup", Options{Scope: scope, CrossProcess: true})
	assert.Equal(t, a.MutexName(), b.MutexName())
	assert.Regexp(t, `^[a-z]+[a-z0-9.-]*$`, a.MutexName())

	release, err := a.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())

	releaseB, err := b.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, releaseB())
}

func TestMutexNameDependsOnScope(t *testing.T) {
	a := New("write-backup", Options{Scope: "/profiles/a"})
	b := New("write-backup", Options{Scope: "/profiles/b"})
	assert.NotEqual(t, a.MutexName(), b.MutexName())
}
