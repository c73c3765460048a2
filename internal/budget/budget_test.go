package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func testLimits() Limits {
	l := DefaultLimits()
	l.Total = 10 * time.Second
	return l
}

func TestBudgetDeadlineIsFixed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newWithClock(testLimits(), clock.Now)
	deadline := b.Deadline()

	require.NoError(t, b.Check("initial"))
	assert.Equal(t, 10*time.Second, b.Remaining())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, b.Remaining())
	assert.Equal(t, 4*time.Second, b.Elapsed())
	assert.Equal(t, deadline, b.Deadline())

	clock.Advance(6 * time.Second)
	err := b.Check("follow_up")
	require.Error(t, err)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ResourceTime, exceeded.Resource)
	assert.Equal(t, "follow_up", exceeded.Label)
	assert.True(t, exceeded.Timeout())
	assert.Equal(t, time.Duration(0), b.Remaining())
}

func TestAcquireModelCallCap(t *testing.T) {
	b := New(testLimits())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.AcquireModelCall("call"))
	}
	err := b.AcquireModelCall("fourth")
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ResourceModelCalls, exceeded.Resource)
	assert.False(t, exceeded.Timeout())
	assert.Equal(t, 3, b.ModelCalls())
}

func TestAcquireToolRoundCap(t *testing.T) {
	b := New(testLimits())

	require.NoError(t, b.AcquireToolRound("round 1"))
	require.NoError(t, b.AcquireToolRound("round 2"))
	err := b.AcquireToolRound("round 3")
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ResourceToolRounds, exceeded.Resource)
	assert.Equal(t, 2, b.ToolRounds())
}

func TestAcquireChecksDeadlineFirst(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newWithClock(testLimits(), clock.Now)
	clock.Advance(11 * time.Second)

	err := b.AcquireModelCall("initial")
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ResourceTime, exceeded.Resource)
	assert.Equal(t, 0, b.ModelCalls())
}

func TestRaceReturnsResult(t *testing.T) {
	v, err := Race(context.Background(), TierTool, "create_client", time.Second, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	boom := errors.New("boom")
	_, err = Race(context.Background(), TierTool, "create_client", time.Second, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRaceTimeoutCancelsCall(t *testing.T) {
	cancelled := make(chan struct{})
	start := time.Now()

	_, err := Race(context.Background(), TierModel, "follow_up", 20*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, TierModel, timeout.Tier)
	assert.Equal(t, "follow_up", timeout.Label)
	assert.Equal(t, 20*time.Millisecond, timeout.Limit)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not cancelled")
	}
}

func TestRaceTimeoutWithUncooperativeCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, err := Race(context.Background(), TierTool, "slow_tool", 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	})
	var timeout *TimeoutError
	assert.True(t, errors.As(err, &timeout))
}

func TestRaceParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Race(ctx, TierModel, "initial", time.Second, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Tier: TierTool, Label: "create_invoice", Limit: 10 * time.Second}
	assert.Equal(t, "tool timeout after 10s (create_invoice)", err.Error())
	assert.True(t, err.Timeout())
}
