package errors

import (
	"context"
	stderrors "errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Backoff bounds the attempts Retry makes. Each wait doubles the previous
// one up to Max and is jittered by up to a quarter either way.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// StorageBackoff suits object storage calls made while a client waits on the response.
var StorageBackoff = Backoff{Attempts: 4, Initial: 200 * time.Millisecond, Max: 2 * time.Second}

// Retry calls fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}

	wait := b.Initial
	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil || !transient(err) || attempt == b.Attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(wait)):
		}
		if wait *= 2; wait > b.Max {
			wait = b.Max
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(float64(d)*0.25*(rand.Float64()*2-1))
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"slow down",
	"503",
	"502",
	"504",
}

// transient reports whether err looks like a hiccup worth retrying.
func transient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := As(err); ok {
		return IsRetryable(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
