package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"smsblast/internal/transport"
)

func TestClassifyCategories(t *testing.T) {
	c := New(nil)

	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"auth failed", errors.New("gateway: auth failed for key"), Authentication, false},
		{"http 401", errors.New("unexpected status 401"), Authentication, false},
		{"http 403", errors.New("unexpected status 403"), Authentication, false},
		{"rate limited", errors.New("429 Too Many Requests"), RateLimit, true},
		{"quota", errors.New("quota exceeded for account"), RateLimit, true},
		{"invalid number", errors.New("invalid number: +100"), InvalidRecipient, false},
		{"blacklisted", errors.New("recipient blacklisted"), InvalidRecipient, false},
		{"bad gateway", errors.New("502 Bad Gateway"), ServerUnavailable, true},
		{"unavailable", errors.New("service unavailable"), ServerUnavailable, true},
		{"timeout", errors.New("dial tcp: i/o timeout"), Network, true},
		{"refused", errors.New("connection refused"), Network, true},
		{"garbage", errors.New("splines not reticulated"), Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, got.Category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, got.Retryable)
			}
			if got.Raw != tt.err.Error() {
				t.Errorf("expected raw error text preserved, got %q", got.Raw)
			}
		})
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	c := New(nil)

	// Wrapped deadline errors classify as network even when the text
	// matches nothing.
	err := fmt.Errorf("send attempt: %w", context.DeadlineExceeded)
	got := c.Classify(err)
	if got.Category != Network {
		t.Errorf("expected network, got %s", got.Category)
	}
	if !got.Retryable {
		t.Error("expected timeout to be retryable")
	}
}

func TestClassifyUnknownIsNotRetryable(t *testing.T) {
	c := New(nil)

	got := c.Classify(errors.New("completely novel failure"))
	if got.Category != Unknown {
		t.Fatalf("expected unknown, got %s", got.Category)
	}
	if got.Retryable {
		t.Error("unknown errors must not be retryable")
	}
	if got.Severity != SeverityHigh {
		t.Errorf("expected high severity, got %s", got.Severity)
	}
}

func TestConfiguredRulesTakePriority(t *testing.T) {
	c := New(&Config{
		Rules: []Rule{
			// "timeout" would normally classify as network.
			{Pattern: "carrier timeout", Category: ServerUnavailable},
		},
	})

	got := c.Classify(errors.New("carrier timeout on submit"))
	if got.Category != ServerUnavailable {
		t.Errorf("expected configured rule to win, got %s", got.Category)
	}
}

func TestRateLimitBackoff(t *testing.T) {
	c := New(&Config{RateLimitBackoff: 90 * time.Second})

	got := c.Classify(errors.New("rate limit exceeded"))
	if got.ExtraBackoff != 90*time.Second {
		t.Errorf("expected configured backoff, got %v", got.ExtraBackoff)
	}

	if got := New(nil).Classify(errors.New("rate limit exceeded")); got.ExtraBackoff != 30*time.Second {
		t.Errorf("expected default backoff, got %v", got.ExtraBackoff)
	}

	if got := New(nil).Classify(errors.New("connection refused")); got.ExtraBackoff != 0 {
		t.Errorf("expected no backoff for network errors, got %v", got.ExtraBackoff)
	}
}

func TestClassifyNil(t *testing.T) {
	got := New(nil).Classify(nil)
	if got.Category != Unknown || got.Severity != SeverityLow {
		t.Errorf("unexpected classification for nil error: %+v", got)
	}
}

func TestClassifyTemporarySendError(t *testing.T) {
	c := New(nil)

	// "HTTP 500" matches no pattern; the transport's temporary verdict
	// must still make it retryable.
	err := &transport.SendError{Temporary: true, Message: "gateway error: HTTP 500"}
	got := c.Classify(fmt.Errorf("send: %w", err))
	if got.Category != ServerUnavailable {
		t.Errorf("expected server_unavailable, got %s", got.Category)
	}
	if !got.Retryable {
		t.Error("expected a temporary send error to be retryable")
	}
}

func TestClassifyPermanentSendError(t *testing.T) {
	c := New(nil)

	err := &transport.SendError{Temporary: false, Message: "gateway rejected message: HTTP 422"}
	got := c.Classify(err)
	if got.Category != Unknown || got.Retryable {
		t.Errorf("expected unknown/non-retryable for a permanent send error, got %+v", got)
	}
}

func TestPatternBeatsSendErrorVerdict(t *testing.T) {
	c := New(nil)

	// A recognizable pattern wins over the transport flag.
	err := &transport.SendError{Temporary: true, Message: "gateway rejected message: invalid recipient"}
	got := c.Classify(err)
	if got.Category != InvalidRecipient || got.Retryable {
		t.Errorf("expected invalid_recipient/non-retryable, got %+v", got)
	}
}
