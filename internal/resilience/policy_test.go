package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewPolicy("visual", 0, 0, 0, 5*time.Second)
	assert.Equal(t, 3, p.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.Retry.InitialBackoff)
	assert.Equal(t, 5*time.Second, p.Timeout)

	p = NewPolicy("visual", 5, 10, 100, 0)
	assert.Equal(t, 5, p.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.Retry.InitialBackoff)
	assert.Equal(t, 100*time.Millisecond, p.Retry.MaxBackoff)
	assert.Equal(t, "ocr", p.WithService("ocr").Service)
}

func TestCall_TimesOutEachAttemptAndRetries(t *testing.T) {
	t.Parallel()

	p := Policy{Service: "slow", Retry: fastRetry(3), Timeout: 10 * time.Millisecond}
	var calls int
	err := Call(context.Background(), p, "search", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallVal_PermanentFailsFast(t *testing.T) {
	t.Parallel()

	p := Policy{Service: "ebay", Retry: fastRetry(3), Timeout: time.Second}
	var calls int
	_, err := CallVal(context.Background(), p, "publish", func(_ context.Context) (string, error) {
		calls++
		return "", errors.New("invalid credentials")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallVal_NoTimeout(t *testing.T) {
	t.Parallel()

	v, err := CallVal(context.Background(), Policy{Retry: fastRetry(1)}, "x", func(ctx context.Context) (int, error) {
		_, has := ctx.Deadline()
		assert.False(t, has)
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
