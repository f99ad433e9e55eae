package models

import "time"

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
// Cancelled campaigns may keep residual pending messages.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// Campaign represents a bulk-send job: a message template plus a recipient
// set and delivery configuration.
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Template        string         `json:"template"`
	Variables       string         `json:"variables"` // JSON, campaign-level template variables
	Status          CampaignStatus `json:"status"`
	BatchSize       int            `json:"batch_size"`        // 0 = engine default
	MaxRetries      int            `json:"max_retries"`       // 0 = engine default
	GatewayStrategy string         `json:"gateway_strategy"`  // rotation strategy for gateways, "" = config default
	RelayStrategy   string         `json:"relay_strategy"`    // rotation strategy for relays, "" = config default
	UseRelay        bool           `json:"use_relay"`         // deliver via SMTP relay instead of HTTP gateway
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Counters        Counters       `json:"counters"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Counters holds the campaign message counters. The invariant
// Sent + Failed + Pending == Total holds at every observation point;
// Delivered is a subset of Sent.
type Counters struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}
