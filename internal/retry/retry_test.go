package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDelayIsPureExponential(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Zero(t, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(5))
	assert.Equal(t, 5*time.Second, p.Delay(30))
}

func TestExecuteAlwaysTransientExhaustsExactly(t *testing.T) {
	t.Parallel()

	rec := &recordingSleeper{}
	var retries []int
	p := Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}.
		WithSleeper(rec.sleep).
		WithObserver(func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) })

	calls := 0
	err := p.Execute(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		require.Equal(t, calls, attempt)
		return fmt.Errorf("dial: %w", io.ErrUnexpectedEOF)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, errors.Is(err, download.ErrRetryExhausted))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "last cause must survive")
	assert.Equal(t, 4, Attempts(err))
	assert.Equal(t, []int{2, 3, 4}, retries)

	require.Len(t, rec.delays, 3)
	for i := 1; i < len(rec.delays); i++ {
		assert.Greater(t, rec.delays[i], rec.delays[i-1])
	}
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	cases := []error{
		&download.HTTPStatusError{URL: "u", StatusCode: 403},
		fmt.Errorf("decode: %w", download.ErrMalformedContent),
		&download.HTTPStatusError{URL: "u", StatusCode: 404},
		download.ErrInvalidCredentials,
	}
	for _, want := range cases {
		rec := &recordingSleeper{}
		p := NewPolicy().WithSleeper(rec.sleep)
		calls := 0
		err := p.Execute(context.Background(), func(context.Context, int) error {
			calls++
			return want
		})
		assert.Equal(t, 1, calls, want.Error())
		assert.Same(t, want, err)
		assert.Empty(t, rec.delays)
	}
}

func TestExecuteRecovers(t *testing.T) {
	t.Parallel()

	rec := &recordingSleeper{}
	p := NewPolicy().WithSleeper(rec.sleep)
	got, err := Do(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", &download.HTTPStatusError{URL: "u", StatusCode: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestExecuteHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, func(context.Context, int) error { return download.ErrTransient })
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("execute blocked past cancellation")
	}
}

func TestJitterStaysWithinBound(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond, Jitter: 0.5}
	for range 50 {
		d := p.jittered(p.Delay(2))
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestContextObserverIsNotified(t *testing.T) {
	t.Parallel()

	rec := &recordingSleeper{}
	var policyCalls, ctxCalls int
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}.
		WithSleeper(rec.sleep).
		WithObserver(func(int, time.Duration, error) { policyCalls++ })
	ctx := ContextWithObserver(context.Background(), func(attempt int, _ time.Duration, err error) {
		ctxCalls++
		assert.Equal(t, 2, attempt)
		assert.ErrorIs(t, err, download.ErrTransient)
	})

	err := p.Execute(ctx, func(context.Context, int) error { return download.ErrTransient })
	require.ErrorIs(t, err, download.ErrRetryExhausted)
	assert.Equal(t, 1, policyCalls)
	assert.Equal(t, 1, ctxCalls)
}
