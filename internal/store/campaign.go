package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smsblast/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db.DB}
}

// Create inserts a new campaign in draft (or scheduled, when a future
// delivery time is set).
func (r *CampaignRepository) Create(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = models.CampaignDraft
	if c.ScheduledAt != nil {
		c.Status = models.CampaignScheduled
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, name, template, variables, status, batch_size, max_retries,
			gateway_strategy, relay_strategy, use_relay, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Template, c.Variables, c.Status, c.BatchSize, c.MaxRetries,
		c.GatewayStrategy, c.RelayStrategy, c.UseRelay, c.ScheduledAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil when not found.
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var scheduledAt, startedAt, completedAt sql.NullTime
	var gwStrategy, relStrategy, variables sql.NullString

	err := r.db.QueryRow(`
		SELECT id, name, template, variables, status, batch_size, max_retries,
			gateway_strategy, relay_strategy, use_relay, scheduled_at, started_at, completed_at,
			total, sent, delivered, failed, pending, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Template, &variables, &c.Status, &c.BatchSize, &c.MaxRetries,
		&gwStrategy, &relStrategy, &c.UseRelay, &scheduledAt, &startedAt, &completedAt,
		&c.Counters.Total, &c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Failed,
		&c.Counters.Pending, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Variables = variables.String
	c.GatewayStrategy = gwStrategy.String
	c.RelayStrategy = relStrategy.String
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// List returns campaigns with optional filtering, newest first.
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	countQuery := "SELECT COUNT(*) FROM campaigns WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, name, template, variables, status, batch_size, max_retries,
			gateway_strategy, relay_strategy, use_relay, scheduled_at, started_at, completed_at,
			total, sent, delivered, failed, pending, created_at, updated_at
		FROM campaigns WHERE 1=1`
	if filter.Status != "" {
		query += " AND status = ?"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var scheduledAt, startedAt, completedAt sql.NullTime
		var gwStrategy, relStrategy, variables sql.NullString

		err := rows.Scan(&c.ID, &c.Name, &c.Template, &variables, &c.Status, &c.BatchSize,
			&c.MaxRetries, &gwStrategy, &relStrategy, &c.UseRelay, &scheduledAt, &startedAt,
			&completedAt, &c.Counters.Total, &c.Counters.Sent, &c.Counters.Delivered,
			&c.Counters.Failed, &c.Counters.Pending, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}

		c.Variables = variables.String
		c.GatewayStrategy = gwStrategy.String
		c.RelayStrategy = relStrategy.String
		if scheduledAt.Valid {
			c.ScheduledAt = &scheduledAt.Time
		}
		if startedAt.Valid {
			c.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// UpdateStatus transitions the campaign status and stamps started/completed
// timestamps on the relevant transitions.
func (r *CampaignRepository) UpdateStatus(id string, status models.CampaignStatus) error {
	now := time.Now()
	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{status, now}

	switch status {
	case models.CampaignSending:
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	case models.CampaignCompleted, models.CampaignFailed, models.CampaignCancelled:
		query += ", completed_at = ?"
		args = append(args, now)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %q not found", id)
	}
	return nil
}

// UpdateCounters persists the campaign counters.
func (r *CampaignRepository) UpdateCounters(id string, c models.Counters) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET total = ?, sent = ?, delivered = ?, failed = ?, pending = ?, updated_at = ?
		WHERE id = ?`,
		c.Total, c.Sent, c.Delivered, c.Failed, c.Pending, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign counters: %w", err)
	}
	return nil
}

// GetScheduledDue returns scheduled campaigns whose delivery time has come.
func (r *CampaignRepository) GetScheduledDue() ([]models.Campaign, error) {
	rows, err := r.db.Query(`
		SELECT id FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`,
		models.CampaignScheduled, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID); err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}
