package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestPolicy(t *testing.T) (*Policy, *recordedSleep, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	rec := &recordedSleep{}
	return New(zap.New(core)).WithSleep(rec.sleep), rec, logs
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p, rec, logs := newTestPolicy(t)

	calls := 0
	got, err := Do(context.Background(), p, DefaultOptions("embed"), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", syscall.ECONNRESET
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, 2, logs.FilterMessage("operation attempt failed, retrying").Len())
}

func TestDoStopsAtMaxAttemptsAndReturnsLastError(t *testing.T) {
	p, rec, _ := newTestPolicy(t)

	calls := 0
	var last error
	_, err := Do(context.Background(), p, DefaultOptions("search"), func(context.Context) (int, error) {
		calls++
		last = fmt.Errorf("attempt %d: %w", calls, genai.APIError{Code: 503, Message: "unavailable"})
		return 0, last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Same(t, last, err)
	assert.Len(t, rec.delays, 2)
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	p, rec, logs := newTestPolicy(t)

	sentinel := errors.New("schema mismatch")
	calls := 0
	err := p.Run(context.Background(), DefaultOptions("parse"), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, 1, logs.FilterMessage("operation failed").Len())
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(zap.NewNop()).WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	calls := 0
	err := p.Run(ctx, DefaultOptions("complete"), func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 1, calls)
}

func TestDelayIsCapped(t *testing.T) {
	opts := DefaultOptions("x")
	assert.Equal(t, 1*time.Second, Delay(opts, 1))
	assert.Equal(t, 2*time.Second, Delay(opts, 2))
	assert.Equal(t, 4*time.Second, Delay(opts, 3))
	assert.Equal(t, 8*time.Second, Delay(opts, 4))
	assert.Equal(t, 10*time.Second, Delay(opts, 5))
	assert.Equal(t, 10*time.Second, Delay(opts, 60))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "qdrant"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"genai 429", genai.APIError{Code: 429}, true},
		{"genai 500", &genai.APIError{Code: 500}, true},
		{"genai 400", genai.APIError{Code: 400, Message: "invalid argument"}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc not found", status.Error(codes.NotFound, "missing collection"), false},
		{"rate limit text", errors.New("Rate limit reached for model"), true},
		{"permanent wraps retryable", Permanent(syscall.ECONNRESET), false},
		{"plain", errors.New("invalid json"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}
