package worker

import (
	"context"
	"errors"
	"pbak/internal/logging"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsResult(t *testing.T) {
	p := NewPool(1, logging.Discard())
	defer p.Stop()

	require.NoError(t, p.Run(context.Background(), "ok", func() error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, p.Run(context.Background(), "fail", func() error { return boom }), boom)

	err := p.Run(context.Background(), "panic", func() error { panic("bad") })
	assert.ErrorContains(t, err, "panicked")
}

func TestRunIsNotInterruptedOnceStarted(t *testing.T) {
	p := NewPool(1, logging.Discard())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished atomic.Bool

	errs := make(chan error, 1)
	go func() {
		errs <- p.Run(ctx, "slow", func() error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()

	<-started
	cancel()
	require.NoError(t, <-errs)
	assert.True(t, finished.Load())
}

func TestRunHonorsContextWhileQueued(t *testing.T) {
	p := NewPool(1, logging.Discard())
	defer p.Stop()

	block := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), "busy", func() error { <-block; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, "queued", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestStop(t *testing.T) {
	p := NewPool(1, logging.Discard())
	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Run(context.Background(), "late", func() error { return nil }), ErrStopped)
}
