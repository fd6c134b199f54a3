package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNode = errors.New("node down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type transition struct {
	key      string
	from, to State
}

func newBreaker(threshold int) (*Breaker, *clock, *[]transition) {
	clk := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	var seen []transition
	b := New(Threshold(threshold), Cooldown(time.Minute), Clock(clk.now),
		OnTransition(func(key string, from, to State) {
			seen = append(seen, transition{key, from, to})
		}))
	return b, clk, &seen
}

func fail(context.Context) error { return errNode }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _, seen := newBreaker(3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, "eth", fail), errNode)
	}
	assert.Equal(t, Closed, b.State("eth"))

	assert.ErrorIs(t, b.Do(ctx, "eth", fail), errNode)
	assert.Equal(t, Open, b.State("eth"))

	called := false
	err := b.Do(ctx, "eth", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	assert.Equal(t, []transition{{"eth", Closed, Open}}, *seen)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newBreaker(2)
	ctx := context.Background()

	_ = b.Do(ctx, "eth", fail)
	require.NoError(t, b.Do(ctx, "eth", ok))
	_ = b.Do(ctx, "eth", fail)
	assert.Equal(t, Closed, b.State("eth"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _, _ := newBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, "eth", fail)
	assert.Equal(t, Open, b.State("eth"))
	assert.NoError(t, b.Do(ctx, "base", ok))
	assert.Equal(t, Closed, b.State("base"))
}

func TestBreaker_HalfOpenAllowsOneTrial(t *testing.T) {
	b, clk, seen := newBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, "eth", fail)
	clk.advance(time.Minute)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(ctx, "eth", func(context.Context) error { <-release; return nil })
	}()

	require.Eventually(t, func() bool { return b.State("eth") == HalfOpen }, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Do(ctx, "eth", ok), ErrOpen, "only one trial call at a time")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State("eth"))
	assert.Equal(t, []transition{
		{"eth", Closed, Open},
		{"eth", Open, HalfOpen},
		{"eth", HalfOpen, Closed},
	}, *seen)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk, _ := newBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, "eth", fail)
	}
	clk.advance(time.Minute)
	assert.ErrorIs(t, b.Do(ctx, "eth", fail), errNode)
	assert.Equal(t, Open, b.State("eth"))

	clk.advance(30 * time.Second)
	assert.ErrorIs(t, b.Do(ctx, "eth", ok), ErrOpen, "cooldown restarts on a failed trial")
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, clk, _ := newBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, "eth", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State("eth"))

	_ = b.Do(context.Background(), "eth", fail)
	clk.advance(time.Minute)
	_ = b.Do(ctx, "eth", func(ctx context.Context) error { return ctx.Err() })
	assert.Equal(t, HalfOpen, b.State("eth"))
	assert.NoError(t, b.Do(context.Background(), "eth", ok), "an abandoned trial frees the slot")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
