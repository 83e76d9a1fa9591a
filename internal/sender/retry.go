package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// Retry/backoff configuration for outbound HTTP calls.
var (
	maxAttempts = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 20 * time.Second
	jitterPct   = 0.20
)

type httpStatusError struct {
	code int
	url  string
	body string
}

func (e *httpStatusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.url, e.code, e.body)
	}
	return fmt.Sprintf("%s: status %d", e.url, e.code)
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code == 429 || (se.code >= 500 && se.code <= 599)
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"):
		return true
	default:
		return false
	}
}

// isSafeToResend accepts only failures after which the provider cannot have
// taken the message: rate limiting and errors raised before the request
// reached the server.
func isSafeToResend(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// withRetry runs fn up to maxAttempts times with exponential backoff and jitter,
// retrying only errors isRetryable accepts.
func withRetry(ctx context.Context, fn func() error) error {
	return retryIf(ctx, isRetryable, fn)
}

func retryIf(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempt := 0
	backoff := baseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= maxAttempts || !retryable(err) || ctx.Err() != nil {
			return err
		}
		jit := time.Duration(rand.Int63n(int64(float64(backoff)*jitterPct) + 1))
		wait := backoff + jit
		if wait > maxBackoff {
			wait = maxBackoff
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
