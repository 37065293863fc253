package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// RecordRetryAttempt writes the attempt row before the attempt executes, so
// a crash mid-attempt still leaves a visible record.
func (d Datasource) RecordRetryAttempt(ctx context.Context, entry *model.RetryLogEntry) (*model.RetryLogEntry, error) {
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO settle.retry_log(transaction_id, attempt, error_code, error_message, failure_type, base_delay_sec, backoff_multiplier, scheduled_for, outcome)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, entry.TransactionID, entry.Attempt, entry.ErrorCode, entry.ErrorMessage, string(entry.FailureType),
		entry.BaseDelay, entry.Multiplier, entry.ScheduledFor, entry.Outcome).Scan(&entry.ID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record retry attempt", err)
	}
	return entry, nil
}

func (d Datasource) UpdateRetryOutcome(ctx context.Context, transactionID string, attempt int, outcome string, attemptedAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.retry_log SET outcome = $3, attempted_at = $4
		WHERE transaction_id = $1 AND attempt = $2
	`, transactionID, attempt, outcome, attemptedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update retry outcome", err)
	}
	return nil
}

func (d Datasource) GetRetryLog(ctx context.Context, transactionID string) ([]model.RetryLogEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, transaction_id, attempt, error_code, error_message, failure_type, base_delay_sec, backoff_multiplier, scheduled_for, attempted_at, outcome
		FROM settle.retry_log WHERE transaction_id = $1 ORDER BY attempt
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch retry log", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.RetryLogEntry
	for rows.Next() {
		var e model.RetryLogEntry
		var failureType string
		var attemptedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Attempt, &e.ErrorCode, &e.ErrorMessage, &failureType,
			&e.BaseDelay, &e.Multiplier, &e.ScheduledFor, &attemptedAt, &e.Outcome); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan retry log", err)
		}
		e.FailureType = model.FailureType(failureType)
		e.AttemptedAt = nullTimePtr(attemptedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed reading retry log", err)
	}
	return entries, nil
}

func (d Datasource) RecordEscalation(ctx context.Context, esc *model.Escalation) error {
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO settle.escalations(transaction_id, reason, last_error_code, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, esc.TransactionID, esc.Reason, esc.LastErrorCode, esc.RetryCount, esc.CreatedAt).Scan(&esc.ID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record escalation", err)
	}
	return nil
}
