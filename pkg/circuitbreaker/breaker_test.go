package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	cb := New("test", cfg)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cb.now = c.now
	return cb, c
}

var errDown = errors.New("down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.t = clk.t.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.t = clk.t.Add(time.Minute)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	cb, clk := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute, SuccessThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.t = clk.t.Add(time.Minute)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		return cb.Execute(ctx, ok)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsFailureClassifier(t *testing.T) {
	cb, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errDown) },
	})
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, cb.State())
}
