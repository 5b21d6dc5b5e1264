package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/plugins"
	"github.com/Ashfaaq98/intelcore/internal/updatecheck"
)

var (
	_ Decayer          = (*events.Repository)(nil)
	_ RateLimiter      = (*plugins.Repository)(nil)
	_ UpdateChecker    = (*updatecheck.Checker)(nil)
	_ SignatureTrimmer = (bus.Bus)(nil)
)

type fakeDecayer struct {
	calls  atomic.Int32
	err    error
	during func()
}

func (f *fakeDecayer) DecayAll(ctx context.Context, _ events.Filter) (map[events.Kind]int, error) {
	f.calls.Add(1)
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return map[events.Kind]int{events.KindAnalyzable: 2, events.KindDomainWildcard: 1}, nil
}

type fakeRateLimiter struct {
	mu  sync.Mutex
	at  []time.Time
	n   int
	err error
}

func (f *fakeRateLimiter) EnableExpiredRateLimits(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = append(f.at, now)
	return f.n, f.err
}

func TestRunDecayOnce(t *testing.T) {
	locker := NewLocalLocker()
	decayer := &fakeDecayer{}
	s := New(Config{LeaseTTL: time.Minute}, locker, decayer, nil)
	ctx := context.Background()

	counts, err := s.RunDecayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[events.KindAnalyzable])
	assert.Equal(t, 1, counts[events.KindDomainWildcard])

	// the lease is released after the run
	_, err = s.RunDecayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), decayer.calls.Load())
}

func TestRunDecayOnceSkipsWhenLeaseHeld(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	locker := NewLocalLocker()
	decayer := &fakeDecayer{}
	s := New(Config{LeaseTTL: time.Minute}, locker, decayer, zap.New(core))
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, DecayLeaseKey, time.Minute)
	require.NoError(t, err)

	_, err = s.RunDecayOnce(ctx)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Equal(t, int32(0), decayer.calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("decay skipped, lease held").Len())

	require.NoError(t, lease.Release(ctx))
	_, err = s.RunDecayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), decayer.calls.Load())
}

func TestRunDecayOnceHoldsLeaseDuringRun(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var concurrent error
	decayer := &fakeDecayer{}
	decayer.during = func() {
		_, concurrent = locker.Acquire(ctx, DecayLeaseKey, time.Minute)
	}
	s := New(Config{}, locker, decayer, nil)

	_, err := s.RunDecayOnce(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, concurrent, ErrLeaseHeld)
}

func TestRunDecayOnceReleasesLeaseOnError(t *testing.T) {
	locker := NewLocalLocker()
	boom := errors.New("boom")
	decayer := &fakeDecayer{err: boom}
	s := New(Config{}, locker, decayer, nil)
	ctx := context.Background()

	_, err := s.RunDecayOnce(ctx)
	assert.ErrorIs(t, err, boom)

	lease, err := locker.Acquire(ctx, DecayLeaseKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestLocalLockerExpiry(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// other keys are independent
	other, err := locker.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	now = now.Add(2 * time.Minute)
	second, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// releasing the expired lease must not free the new holder
	require.NoError(t, first.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, second.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestLocalLockerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalLocker().Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnableRateLimitsOnce(t *testing.T) {
	limiter := &fakeRateLimiter{n: 3}
	s := New(Config{}, NewLocalLocker(), &fakeDecayer{}, nil)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.EnableRateLimitsOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s.WithRateLimits(limiter)
	n, err = s.EnableRateLimitsOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Time{fixed}, limiter.at)

	limiter.err = errors.New("db down")
	_, err = s.EnableRateLimitsOnce(context.Background())
	assert.Error(t, err)
}

type fakeTrimmer struct {
	mu      sync.Mutex
	maxLens []int64
	err     error
}

func (f *fakeTrimmer) TrimSignatures(ctx context.Context, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxLens = append(f.maxLens, maxLen)
	return f.err
}

func (f *fakeTrimmer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maxLens)
}

func TestTrimSignaturesOnce(t *testing.T) {
	trimmer := &fakeTrimmer{}

	s := New(Config{StreamMaxLen: 500}, NewLocalLocker(), &fakeDecayer{}, nil)
	require.NoError(t, s.TrimSignaturesOnce(context.Background()))

	s.WithSignatureTrim(trimmer)
	require.NoError(t, s.TrimSignaturesOnce(context.Background()))
	assert.Equal(t, []int64{500}, trimmer.maxLens)

	trimmer.err = errors.New("redis down")
	assert.Error(t, s.TrimSignaturesOnce(context.Background()))

	// no cap configured
	idle := &fakeTrimmer{}
	s = New(Config{}, NewLocalLocker(), &fakeDecayer{}, nil).WithSignatureTrim(idle)
	require.NoError(t, s.TrimSignaturesOnce(context.Background()))
	assert.Zero(t, idle.calls())
}

func TestRunTrimsSignatures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trimmer := &fakeTrimmer{}
	s := New(Config{TrimInterval: 5 * time.Millisecond, StreamMaxLen: 100}, NewLocalLocker(), &fakeDecayer{}, nil).
		WithSignatureTrim(trimmer)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return trimmer.calls() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decayer := &fakeDecayer{}
	limiter := &fakeRateLimiter{}
	decayer.during = func() {
		if decayer.calls.Load() >= 2 {
			cancel()
		}
	}
	s := New(Config{
		DecayInterval:     5 * time.Millisecond,
		RateLimitInterval: 5 * time.Millisecond,
	}, NewLocalLocker(), decayer, nil).WithRateLimits(limiter)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, decayer.calls.Load(), int32(2))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotEmpty(t, limiter.at)
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decayer := &fakeDecayer{err: errors.New("transient")}
	decayer.during = func() {
		if decayer.calls.Load() >= 3 {
			cancel()
		}
	}
	s := New(Config{DecayInterval: time.Millisecond}, NewLocalLocker(), decayer, nil)

	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, decayer.calls.Load(), int32(3))
}
