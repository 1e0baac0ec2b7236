package resilience

import (
	"context"
	"time"
)

// Policy is the uniform call policy applied to an external collaborator:
// a per-attempt timeout plus a retry configuration.
type Policy struct {
	// Service names the collaborator in logs.
	Service string
	Retry   RetryConfig
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
}

// NewPolicy builds a policy from configuration values. Non-positive values
// keep the defaults.
func NewPolicy(service string, maxAttempts, initialBackoffMs, maxBackoffMs int, timeout time.Duration) Policy {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return Policy{Service: service, Retry: cfg, Timeout: timeout}
}

// WithService returns a copy of p logging under a different service name.
func (p Policy) WithService(service string) Policy {
	p.Service = service
	return p
}

// Call runs fn under p. Each attempt gets its own timeout; an attempt that
// times out counts as transient and is retried.
func Call(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	_, err := CallVal(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallVal is Call for functions that return a value.
func CallVal[T any](ctx context.Context, p Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := p.Retry
	if cfg.OnRetry == nil && p.Service != "" {
		cfg.OnRetry = RetryLogger(p.Service, operation)
	}
	return DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		if p.Timeout <= 0 {
			return fn(ctx)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}
