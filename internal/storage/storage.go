package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

//go:embed schema.sql
var schema string

// SendStatusSent is the message_logs status written for accepted sends
const SendStatusSent = "sent"

// Storage implements the credentials and send log ports on a SQL database
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the tables when they do not exist yet
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type credentialsRow struct {
	PhoneNumberID string `db:"phone_number_id"`
	AccessToken   string `db:"access_token"`
}

// GetCredentials returns the most recently updated active configuration of the tenant
func (s *Storage) GetCredentials(ctx context.Context, tenantID string) (domain.Credentials, error) {
	query := s.db.Rebind(`
		SELECT phone_number_id, access_token
		FROM whatsapp_configs
		WHERE user_id = ? AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`)

	var row credentialsRow
	if err := s.db.GetContext(ctx, &row, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Credentials{}, domain.ErrCredentialsNotFound
		}
		return domain.Credentials{}, fmt.Errorf("failed to get credentials: %w", err)
	}

	if row.PhoneNumberID == "" || row.AccessToken == "" {
		return domain.Credentials{}, fmt.Errorf("%w: configuration is incomplete", domain.ErrCredentialsNotFound)
	}

	return domain.Credentials{PhoneNumberID: row.PhoneNumberID, AccessToken: row.AccessToken}, nil
}

// RecordSend appends one row to message_logs
func (s *Storage) RecordSend(ctx context.Context, rec domain.SendRecord) error {
	query := s.db.Rebind(`
		INSERT INTO message_logs (user_id, message_id, recipient, job_id, campaign_id, batch_index, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	campaign := sql.NullString{String: rec.CampaignID, Valid: rec.CampaignID != ""}
	_, err := s.db.ExecContext(ctx, query,
		rec.TenantID,
		rec.MessageID,
		rec.To,
		rec.JobID,
		campaign,
		rec.BatchIndex,
		SendStatusSent,
		sentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}

	s.logger.Debug("Send recorded",
		slog.String("job_id", rec.JobID),
		slog.String("message_id", rec.MessageID),
	)
	return nil
}
