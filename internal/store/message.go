package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smsblast/internal/models"
)

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db.DB}
}

// ExpandRecipients creates one pending message per recipient in a single
// transaction. A no-op for recipients of a campaign that were already
// expanded (identified by campaign+recipient).
func (r *MessageRepository) ExpandRecipients(campaignID string, recipients []models.Recipient) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, campaign_id, recipient, carrier, variables, status, queued_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM messages WHERE campaign_id = ? AND recipient = ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	created := 0
	for _, rcpt := range recipients {
		res, err := stmt.Exec(uuid.New().String(), campaignID, rcpt.Address, rcpt.Carrier,
			rcpt.Variables, models.MessagePending, now, now, now, campaignID, rcpt.Address)
		if err != nil {
			return 0, fmt.Errorf("failed to insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// GetBatch returns the next batch of messages ready for processing:
// pending messages whose retry time (if any) has passed, oldest first.
func (r *MessageRepository) GetBatch(campaignID string, limit int) ([]models.Message, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, recipient, carrier, variables, status, server_id, attempts,
			last_error, error_category, next_retry_at, queued_at, sent_at, delivered_at,
			created_at, updated_at
		FROM messages
		WHERE campaign_id = ? AND status = ?
			AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at
		LIMIT ?`,
		campaignID, models.MessagePending, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountRetryWaiting reports pending messages whose retry time has not come
// yet. The orchestrator uses it to tell "batch empty, campaign done" apart
// from "batch empty, retries still cooling down".
func (r *MessageRepository) CountRetryWaiting(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE campaign_id = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at > ?`,
		campaignID, models.MessagePending, time.Now()).Scan(&n)
	return n, err
}

// Update persists a message's mutable delivery state.
func (r *MessageRepository) Update(m *models.Message) error {
	m.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE messages SET status = ?, server_id = ?, attempts = ?, last_error = ?,
			error_category = ?, next_retry_at = ?, queued_at = ?, sent_at = ?, delivered_at = ?,
			updated_at = ?
		WHERE id = ?`,
		m.Status, m.ServerID, m.Attempts, m.LastError, m.ErrorCategory,
		m.NextRetryAt, m.QueuedAt, m.SentAt, m.DeliveredAt, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// Counters aggregates the campaign's message counts by status.
func (r *MessageRepository) Counters(campaignID string) (models.Counters, error) {
	var c models.Counters
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM messages WHERE campaign_id = ? GROUP BY status`,
		campaignID)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.Total += n
		switch status {
		case models.MessageSent:
			c.Sent += n
		case models.MessageDelivered:
			c.Sent += n
			c.Delivered += n
		case models.MessageFailed, models.MessageBounced:
			c.Failed += n
		default:
			c.Pending += n
		}
	}
	return c, rows.Err()
}

// List returns a campaign's messages with optional status filtering.
func (r *MessageRepository) List(filter models.MessageFilter) ([]models.Message, error) {
	query := `
		SELECT id, campaign_id, recipient, carrier, variables, status, server_id, attempts,
			last_error, error_category, next_retry_at, queued_at, sent_at, delivered_at,
			created_at, updated_at
		FROM messages WHERE campaign_id = ?`
	args := []any{filter.CampaignID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RequeueFailed resets retryably-failed messages of a campaign back to
// pending for another pass and returns how many were requeued.
func (r *MessageRepository) RequeueFailed(campaignID string) (int, error) {
	res, err := r.db.Exec(`
		UPDATE messages SET status = ?, attempts = 0, next_retry_at = NULL, updated_at = ?
		WHERE campaign_id = ? AND status = ? AND error_category NOT IN (?, ?, ?)`,
		models.MessagePending, time.Now(), campaignID, models.MessageFailed,
		"authentication", "invalid_recipient", "unknown")
	if err != nil {
		return 0, fmt.Errorf("failed to requeue messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var serverID, lastError, category, variables sql.NullString
		var nextRetryAt, queuedAt, sentAt, deliveredAt sql.NullTime

		err := rows.Scan(&m.ID, &m.CampaignID, &m.Recipient, &m.Carrier, &variables, &m.Status,
			&serverID, &m.Attempts, &lastError, &category, &nextRetryAt, &queuedAt, &sentAt,
			&deliveredAt, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}

		m.Variables = variables.String
		m.ServerID = serverID.String
		m.LastError = lastError.String
		m.ErrorCategory = category.String
		if nextRetryAt.Valid {
			m.NextRetryAt = &nextRetryAt.Time
		}
		if queuedAt.Valid {
			m.QueuedAt = &queuedAt.Time
		}
		if sentAt.Valid {
			m.SentAt = &sentAt.Time
		}
		if deliveredAt.Valid {
			m.DeliveredAt = &deliveredAt.Time
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
