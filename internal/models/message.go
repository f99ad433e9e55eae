package models

import "time"

// MessageStatus represents the delivery state of a single message
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageBounced   MessageStatus = "bounced"
)

// Terminal reports whether the message needs no further processing.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageFailed, MessageBounced:
		return true
	}
	return false
}

// Message represents one recipient of a campaign. Created when the
// orchestrator expands the recipient set; mutated only by the orchestrator
// processing that campaign.
type Message struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaign_id"`
	Recipient     string        `json:"recipient"` // phone number
	Carrier       string        `json:"carrier"`
	Variables     string        `json:"variables"` // JSON, per-recipient template variables
	Status        MessageStatus `json:"status"`
	ServerID      string        `json:"server_id"` // server used on the last attempt
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	ErrorCategory string        `json:"error_category,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
	QueuedAt      *time.Time    `json:"queued_at,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Recipient is an entry of a campaign's recipient set before expansion
// into Message rows.
type Recipient struct {
	Address   string `json:"address"`
	Carrier   string `json:"carrier"`
	Variables string `json:"variables,omitempty"` // JSON
}

// MessageFilter for listing a campaign's messages
type MessageFilter struct {
	CampaignID string
	Status     MessageStatus
	Limit      int
	Offset     int
}
