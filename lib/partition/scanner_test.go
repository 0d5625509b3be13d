package partition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applierSubmitter applies every submission directly as the next log entry.
type applierSubmitter struct {
	mu       sync.Mutex
	applier  *Applier
	index    uint64
	active   bool
	failWith error
	batches  [][]Command
}

func (s *applierSubmitter) Submit(_ context.Context, commands ...Command) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.batches = append(s.batches, commands)
	s.index++
	out, err := s.applier.Apply(s.index, application(commands...))
	return out.Results, err
}

func (s *applierSubmitter) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScannerReissuesDueSubscriptions(t *testing.T) {
	a := newTestApplier(t)
	sub := &applierSubmitter{applier: a, active: true}
	clock := &fakeClock{now: time.UnixMilli(10_000)}

	_, err := sub.Submit(context.Background(),
		OpenSubscription(1, "a", 1, "ck", 1_000, nil),
		OpenSubscription(2, "b", 2, "ck", 9_500, nil),
		OpenSubscription(3, "c", 3, "ck", 1_000, nil),
		SubscriptionOpened(3, "c"),
	)
	require.NoError(t, err)

	scanner := NewScanner(a.State().Subscriptions, sub, ScannerOptions{
		RetryTimeout: 5 * time.Second,
		BatchSize:    10,
		Now:          clock.Now,
	})

	// cutoff = 10000 - 5000: only (1, "a") is due, (3, "c") is opened
	issued, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	require.Len(t, sub.batches, 2)
	assert.Equal(t, []Command{RetrySubscription(1, "a", 10_000)}, sub.batches[1])

	e, err := subscription(t, a, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), e.CommandSentTime)

	// nothing is due again before the timeout expired
	issued, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, issued)

	// both open subscriptions are due after the timeout
	clock.Advance(10 * time.Second)
	issued, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, issued)
	assert.Equal(t, []Command{
		RetrySubscription(2, "b", 20_000),
		RetrySubscription(1, "a", 20_000),
	}, sub.batches[len(sub.batches)-1])
}

func TestScannerBatches(t *testing.T) {
	a := newTestApplier(t)
	sub := &applierSubmitter{applier: a, active: true}

	commands := make([]Command, 25)
	for i := range commands {
		commands[i] = OpenSubscription(int64(i), "msg", int64(i), "ck", 1, nil)
	}
	_, err := sub.Submit(context.Background(), commands...)
	require.NoError(t, err)

	scanner := NewScanner(a.State().Subscriptions, sub, ScannerOptions{
		RetryTimeout: time.Second,
		BatchSize:    10,
		Now:          func() time.Time { return time.UnixMilli(100_000) },
	})
	issued, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, issued)
	require.Len(t, sub.batches, 4)
	assert.Len(t, sub.batches[1], 10)
	assert.Len(t, sub.batches[2], 10)
	assert.Len(t, sub.batches[3], 5)
}

func TestScannerInactiveOrFailing(t *testing.T) {
	a := newTestApplier(t)
	sub := &applierSubmitter{applier: a, active: true}
	_, err := sub.Submit(context.Background(), OpenSubscription(1, "a", 1, "ck", 1, nil))
	require.NoError(t, err)

	scanner := NewScanner(a.State().Subscriptions, sub, ScannerOptions{
		RetryTimeout: time.Second,
		Now:          func() time.Time { return time.UnixMilli(100_000) },
	})

	sub.active = false
	issued, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, issued)

	sub.active = true
	sub.failWith = errors.New("no leader")
	_, err = scanner.Scan(context.Background())
	assert.ErrorIs(t, err, sub.failWith)

	// a failed submission does not move the wake time
	cached, ok := a.State().Subscriptions.CachedEntry(correlation.PrimaryKey{ScopeID: 1, Name: "a"})
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.WakeTime)
}

func TestScannerRunStopsWithContext(t *testing.T) {
	a := newTestApplier(t)
	sub := &applierSubmitter{applier: a, active: true}
	_, err := sub.Submit(context.Background(), OpenSubscription(1, "a", 1, "ck", 1, nil))
	require.NoError(t, err)

	scanner := NewScanner(a.State().Subscriptions, sub, ScannerOptions{
		Interval:     5 * time.Millisecond,
		RetryTimeout: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scanner.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, err := subscription(t, a, 1, "a")
		return err == nil && e.CommandSentTime > 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
}
