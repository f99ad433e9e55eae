package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategorizeSMTPError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"permanent 550", errors.New("550 5.1.1 no such user"), false},
		{"permanent 554", errors.New("554 transaction failed"), false},
		{"temporary 421", errors.New("421 service not available"), true},
		{"temporary 450", errors.New("450 mailbox busy"), true},
		{"no code", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categorizeSMTPError(tt.err, "rcpt")
			if got.Temporary != tt.temporary {
				t.Errorf("expected temporary=%v for %q", tt.temporary, tt.err)
			}
		})
	}
}

func TestRelayUnknownServer(t *testing.T) {
	pool := NewRelayPool(nil, "host.example", time.Second, testLogger())

	err := pool.Send(context.Background(), "nope", &SMS{Recipient: "+1", Carrier: "acme", Body: "x"})
	if err == nil {
		t.Fatal("expected error for unconfigured relay")
	}
	if IsTemporaryError(err) {
		t.Error("misconfiguration must be permanent")
	}
}

func TestRelayUnmappedCarrier(t *testing.T) {
	pool := NewRelayPool([]RelayConfig{{
		ID:             "relay-1",
		Host:           "127.0.0.1",
		From:           "blast@example.com",
		CarrierDomains: map[string]string{"acme": "sms.acme.example"},
	}}, "host.example", time.Second, testLogger())

	err := pool.Send(context.Background(), "relay-1", &SMS{Recipient: "+1", Carrier: "other", Body: "x"})
	if err == nil {
		t.Fatal("expected error for unmapped carrier")
	}
	if IsTemporaryError(err) {
		t.Error("unmapped carrier must be permanent")
	}
}

func TestSendErrorClassification(t *testing.T) {
	if !IsTemporaryError(temporary("x")) {
		t.Error("temporary SendError misclassified")
	}
	if IsTemporaryError(permanent("x")) {
		t.Error("permanent SendError misclassified")
	}
	// Wrapped SendError still classifies.
	if IsTemporaryError(fmt.Errorf("send: %w", permanent("x"))) {
		t.Error("wrapped permanent SendError misclassified")
	}
	// Unknown errors default to temporary so a transient infrastructure
	// fault does not burn messages.
	if !IsTemporaryError(errors.New("mystery")) {
		t.Error("unknown errors must default to temporary")
	}
}
