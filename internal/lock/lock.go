// Package lock provides the named exclusive lock that serializes backup
// writes. Waiters inside a process are served in arrival order; a juju mutex
// keyed by the same name excludes other processes.
package lock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

var ErrAborted = errors.New("lock was aborted")

const pollDelay = 20 * time.Millisecond

type Entry struct {
	Name      string `yaml:"name"`
	Pid       int    `yaml:"pid"`
	StartedAt string `yaml:"started_at"`
}

type Options struct {
	// Scope distinguishes locks with the same name held for different
	// profiles. It is hashed into the cross-process mutex name.
	Scope string
	// CrossProcess also takes a machine-wide mutex.
	CrossProcess bool
	// OwnerFile records the holder while the lock is held. Optional.
	OwnerFile string
	Clock     clock.Clock
}

type Named struct {
	name   string
	opts   Options
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
}

func New(name string, opts Options) *Named {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Named{
		name:   name,
		opts:   opts,
		sem:    semaphore.NewWeighted(1),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *Named) Name() string {
	return l.name
}

// MutexName is the machine-wide name used for the cross-process mutex.
func (l *Named) MutexName() string {
	sum := blake3.Sum256([]byte(l.opts.Scope))
	return "pbak-" + l.name + "-" + hex.EncodeToString(sum[:6])
}

// Abort fails every pending and future Acquire with ErrAborted.
func (l *Named) Abort() {
	l.cancel()
}

// Acquire blocks until the lock is held, ctx is done or the lock is aborted.
// Returns a release function which should be called (deferred) when work is done.
func (l *Named) Acquire(ctx context.Context) (func() error, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		return nil, l.waitErr(ctx)
	}

	var releaser mutex.Releaser
	if l.opts.CrossProcess {
		r, err := mutex.Acquire(mutex.Spec{
			Name:   l.MutexName(),
			Clock:  l.opts.Clock,
			Delay:  pollDelay,
			Cancel: waitCtx.Done(),
		})
		if err != nil {
			l.sem.Release(1)
			if errors.Is(err, mutex.ErrCancelled) {
				return nil, l.waitErr(ctx)
			}
			return nil, fmt.Errorf("failed to acquire %s: %w", l.MutexName(), err)
		}
		releaser = r
	}

	if l.opts.OwnerFile != "" {
		entry := &Entry{Name: l.name, Pid: os.Getpid(), StartedAt: l.opts.Clock.Now().Format(time.RFC3339)}
		if err := writeLock(l.opts.OwnerFile, entry); err != nil {
			if releaser != nil {
				releaser.Release()
			}
			l.sem.Release(1)
			return nil, fmt.Errorf("failed to record lock owner: %w", err)
		}
	}

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			if l.opts.OwnerFile != "" {
				if rerr := os.Remove(l.opts.OwnerFile); rerr != nil && !os.IsNotExist(rerr) {
					err = rerr
				}
			}
			if releaser != nil {
				releaser.Release()
			}
			l.sem.Release(1)
		})
		return err
	}
	return release, nil
}

func (l *Named) waitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrAborted
}

// ReadOwner returns the recorded holder of a lock, or nil when none is
// recorded or the recorded process is gone.
func ReadOwner(path string) (*Entry, error) {
	entry, err := readLock(path)
	if err != nil || entry == nil {
		return nil, err
	}
	if !isProcessAlive(entry.Pid) {
		return nil, nil
	}
	return entry, nil
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}
