package models

import "time"

// TaskStatistics is the read-only projection of campaign and message
// aggregates exposed to observers. The poll endpoint returning it is the
// single source of truth; push events are a latency optimization only.
type TaskStatistics struct {
	CampaignID  string         `json:"campaign_id"`
	Status      CampaignStatus `json:"status"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Success     int            `json:"success"`
	Delivered   int            `json:"delivered"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"` // pending left behind by cancel
	Duration    time.Duration  `json:"duration"`
	EstimatedBy *time.Time     `json:"estimated_by,omitempty"` // estimated completion
	UpdatedAt   time.Time      `json:"updated_at"`
}
