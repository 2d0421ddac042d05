// Package resilience is the pure policy layer consulted by the protocol
// client and the dispatch engine. It classifies upstream failures, produces
// retry/backoff schedules for rate limited peers, an extended connection
// timeout for cold-starting peers, and an adaptive polling cadence for
// long-running tasks.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class categorizes an upstream failure for retry purposes.
type Class int

const (
	// ClassPermanent failures are not retried and propagate immediately.
	ClassPermanent Class = iota
	// ClassRateLimited failures are retried with exponential backoff.
	ClassRateLimited
	// ClassTransientNetwork failures (including peer cold starts) get a
	// single extended-timeout retry rather than repeated fast retries: the
	// failure mode is "not yet ready", not "rejected".
	ClassTransientNetwork
)

// String returns the wire name of the class.
func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransientNetwork:
		return "transient_network"
	default:
		return "permanent"
	}
}

// StatusError carries an HTTP status code through error chains so Classify
// can see it.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return http.StatusText(e.Code) + ": " + e.Body
	}
	return http.StatusText(e.Code)
}

// Classify maps an error to its failure class. HTTP 429 and 503 are rate
// limiting; dial-level network errors and timeouts are transient (cold
// start); everything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return ClassRateLimited
		}
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransientNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Request never reached the peer: connection level failure.
		return ClassTransientNetwork
	}

	return ClassPermanent
}

// RetryPolicy defines the backoff schedule applied to rate limited failures.
type RetryPolicy struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration
	// MaxDelay caps the doubling.
	MaxDelay time.Duration
	// MaxRetries bounds the number of retries; the next failure surfaces.
	MaxRetries int
}

// DefaultRetryPolicy returns the 15s/30s/60s schedule with three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  15 * time.Second,
		MaxDelay:   60 * time.Second,
		MaxRetries: 3,
	}
}

// Backoff builds a deterministic exponential backoff bound to ctx. The
// returned backoff yields BaseDelay, 2*BaseDelay, ... capped at MaxDelay and
// stops after MaxRetries attempts.
func (p RetryPolicy) Backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0 // keep the schedule deterministic
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Delays returns the full retry delay sequence for inspection and testing.
func (p RetryPolicy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxRetries)
	d := p.BaseDelay
	for i := 0; i < p.MaxRetries; i++ {
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		delays = append(delays, d)
		d *= 2
	}
	return delays
}

// Retry runs op, retrying rate limited failures per the policy. Permanent
// failures and transient network failures are surfaced immediately: the
// latter are handled by the dial policy, not by fast retries.
func (p RetryPolicy) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if Classify(err) == ClassRateLimited {
			return err
		}
		return backoff.Permanent(err)
	}, p.Backoff(ctx))
}

// DialPolicy holds the extended connection-establish timeout used when a peer
// is suspected to be cold starting.
type DialPolicy struct {
	// ColdStartTimeout is the single extended connect timeout, tens of
	// seconds, applied instead of repeated fast retries.
	ColdStartTimeout time.Duration
}

// DefaultDialPolicy allows a peer 45 seconds to finish initializing.
func DefaultDialPolicy() DialPolicy {
	return DialPolicy{ColdStartTimeout: 45 * time.Second}
}

// HTTPClient builds an http.Client whose dialer waits out a cold start while
// keeping sane defaults for the rest of the transport.
func (p DialPolicy) HTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: p.ColdStartTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
