package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassPermanent},
		{"rate limited 429", &StatusError{Code: http.StatusTooManyRequests}, ClassRateLimited},
		{"rate limited 503", &StatusError{Code: http.StatusServiceUnavailable}, ClassRateLimited},
		{"client error 400", &StatusError{Code: http.StatusBadRequest}, ClassPermanent},
		{"server error 500", &StatusError{Code: http.StatusInternalServerError}, ClassPermanent},
		{"wrapped status", fmt.Errorf("submit: %w", &StatusError{Code: 429}), ClassRateLimited},
		{"deadline", context.DeadlineExceeded, ClassTransientNetwork},
		{"conn refused", syscall.ECONNREFUSED, ClassTransientNetwork},
		{"conn reset", syscall.ECONNRESET, ClassTransientNetwork},
		{"plain error", errors.New("boom"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "rate_limited", ClassRateLimited.String())
	assert.Equal(t, "transient_network", ClassTransientNetwork.String())
}

func TestRetryPolicy_DefaultDelaySchedule(t *testing.T) {
	delays := DefaultRetryPolicy().Delays()
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}, delays)
}

func TestRetryPolicy_DelaysCappedAtMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: 40 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 3}
	delays := p.Delays()
	assert.Equal(t, []time.Duration{40 * time.Second, 60 * time.Second, 60 * time.Second}, delays)
}

func TestRetryPolicy_RetriesRateLimitedThenSurfaces(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3}

	attempts := 0
	err := p.Retry(context.Background(), func() error {
		attempts++
		return &StatusError{Code: http.StatusTooManyRequests}
	})

	// Initial attempt plus MaxRetries, then the failure surfaces.
	assert.Equal(t, 4, attempts)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestRetryPolicy_PermanentFailuresNotRetried(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3}

	attempts := 0
	err := p.Retry(context.Background(), func() error {
		attempts++
		return errors.New("bad request")
	})

	assert.Equal(t, 1, attempts)
	assert.Error(t, err)
}

func TestRetryPolicy_SucceedsAfterRetry(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3}

	attempts := 0
	err := p.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &StatusError{Code: http.StatusServiceUnavailable}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPollSchedule_AdaptiveIntervals(t *testing.T) {
	s := DefaultPollSchedule()

	for i := 0; i < s.FastChecks; i++ {
		assert.Equal(t, 2*time.Second, s.Interval(i))
	}
	assert.Equal(t, 3*time.Second, s.Interval(5))
	assert.Equal(t, 4*time.Second, s.Interval(6))
	assert.Equal(t, 10*time.Second, s.Interval(50))
}

func TestDialPolicy_HTTPClient(t *testing.T) {
	client := DefaultDialPolicy().HTTPClient()
	assert.NotNil(t, client.Transport)
}
