// Package retry runs network-calling operations with bounded attempts and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Options configures one retried operation.
type Options struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	OperationName     string
}

// DefaultOptions returns the reference settings for the named operation.
func DefaultOptions(operationName string) Options {
	return Options{
		MaxAttempts:       DefaultMaxAttempts,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		OperationName:     operationName,
	}
}

// Named returns a copy of o with the operation name replaced.
func (o Options) Named(operationName string) Options {
	o.OperationName = operationName
	return o
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if strings.TrimSpace(o.OperationName) == "" {
		o.OperationName = "operation"
	}
	return o
}

// Delay is the wait after the given failed attempt (1-based):
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func Delay(opts Options, attempt int) time.Duration {
	opts = opts.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(opts.BaseDelay) * math.Pow(opts.BackoffMultiplier, float64(attempt-1))
	if d > float64(opts.MaxDelay) || math.IsInf(d, 1) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

// Policy executes operations under Options and logs every failed attempt.
type Policy struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
	}
}

// WithSleep replaces the wait function, used by tests to avoid real delays.
func (p *Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	cp := *p
	cp.sleep = sleep
	return &cp
}

// Run executes op until it succeeds, fails with a terminal error, or the
// attempts are exhausted. The last error is returned unchanged.
func (p *Policy) Run(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Policy.Run.
func Do[T any](ctx context.Context, p *Policy, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = New(nil)
	}
	opts = opts.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("operation succeeded after retry",
					zap.String("operation", opts.OperationName),
					zap.Int("attempt", attempt),
				)
			}
			return result, nil
		}
		lastErr = err

		retryable := IsRetryable(err) && ctx.Err() == nil
		fields := []zap.Field{
			zap.String("operation", opts.OperationName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.MaxAttempts),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		}

		if !retryable || attempt == opts.MaxAttempts {
			p.logger.Warn("operation failed", fields...)
			return zero, lastErr
		}

		delay := Delay(opts, attempt)
		p.logger.Warn("operation attempt failed, retrying", append(fields, zap.Duration("delay", delay))...)

		if err := p.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal so it is never retried. Wrapped errors stay
// reachable through errors.Is and errors.As.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type httpStatusError interface {
	HTTPStatusCode() int
}

var retryableMessages = []string{
	"rate limit",
	"ratelimit",
	"quota",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection",
	"network",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"econnreset",
	"econnrefused",
	"enotfound",
	"socket hang up",
	"eof",
}

// IsRetryable classifies err: transport resets, refusals, DNS failures,
// timeouts, provider 429/5xx and rate-limit style messages are retryable;
// everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return isRetryableStatus(apiErrPtr.Code)
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.HTTPStatusCode())
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		default:
			return false
		}
	}

	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	for _, code := range []int{429, 500, 502, 503, 504} {
		if strings.Contains(msg, fmt.Sprintf("status %d", code)) || strings.Contains(msg, fmt.Sprintf("error %d", code)) {
			return true
		}
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
