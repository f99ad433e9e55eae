package store

import (
	"context"
	"database/sql"
	"fmt"

	"smsblast/internal/models"
)

// RecipientRepository stores the recipient set attached to a campaign at
// creation time. The engine reads it once, when it expands the set into
// message rows.
type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *DB) *RecipientRepository {
	return &RecipientRepository{db: db.DB}
}

// Replace swaps the campaign's recipient set. Duplicate phone numbers
// within the input collapse to the last entry.
func (r *RecipientRepository) Replace(campaignID string, recipients []models.Recipient) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM recipients WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO recipients (campaign_id, phone, carrier, variables)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recipients {
		if _, err := stmt.Exec(campaignID, rec.Address, rec.Carrier, rec.Variables); err != nil {
			return fmt.Errorf("failed to insert recipient %s: %w", rec.Address, err)
		}
	}

	return tx.Commit()
}

// Recipients returns the campaign's recipient set. Implements the engine's
// recipient source.
func (r *RecipientRepository) Recipients(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT phone, carrier, variables
		FROM recipients WHERE campaign_id = ? ORDER BY phone`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var rec models.Recipient
		var variables sql.NullString
		if err := rows.Scan(&rec.Address, &rec.Carrier, &variables); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		rec.Variables = variables.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
