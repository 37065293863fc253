package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const transactionColumns = `transaction_id, owner_id, kind, status, priority, amount, fee_amount, total_amount, currency,
	fund_movement_type, held_amount, available_before, available_after,
	requires_otp, otp_verified, requires_admin_approval, admin_approved, risk_score,
	provider, provider_ref, destination, counterparty_id,
	retry_count, max_retries, next_retry_at, failure_type, last_error_code,
	escrow_id, cashout_id, exchange_order_id,
	created_at, payment_confirmed_at, funds_held_at, processing_started_at, completed_at,
	payment_timeout_at, processing_timeout_at, auto_expire_at, has_inconsistency, meta_data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var metaDataJSON []byte
	var fundMovement, failureType, provider, providerRef, destination, counterparty sql.NullString
	var escrowID, cashoutID, exchangeOrderID, lastErrorCode sql.NullString
	var nextRetryAt, paymentConfirmedAt, fundsHeldAt, processingStartAt, completedAt sql.NullTime
	var paymentTimeoutAt, processingTimeoutAt, autoExpireAt sql.NullTime

	err := row.Scan(
		&txn.TransactionID, &txn.OwnerID, &txn.Kind, &txn.Status, &txn.Priority,
		&txn.Amount, &txn.FeeAmount, &txn.TotalAmount, &txn.Currency,
		&fundMovement, &txn.HeldAmount, &txn.AvailableBefore, &txn.AvailableAfter,
		&txn.RequiresOTP, &txn.OTPVerified, &txn.RequiresAdminApproval, &txn.AdminApproved, &txn.RiskScore,
		&provider, &providerRef, &destination, &counterparty,
		&txn.RetryCount, &txn.MaxRetries, &nextRetryAt, &failureType, &lastErrorCode,
		&escrowID, &cashoutID, &exchangeOrderID,
		&txn.CreatedAt, &paymentConfirmedAt, &fundsHeldAt, &processingStartAt, &completedAt,
		&paymentTimeoutAt, &processingTimeoutAt, &autoExpireAt, &txn.HasInconsistency, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	txn.FundMovementType = model.FundMovement(fundMovement.String)
	txn.FailureType = model.FailureType(failureType.String)
	txn.Provider = provider.String
	txn.ProviderRef = providerRef.String
	txn.Destination = destination.String
	txn.CounterpartyID = counterparty.String
	txn.LastErrorCode = lastErrorCode.String
	txn.EscrowID = escrowID.String
	txn.CashoutID = cashoutID.String
	txn.ExchangeOrderID = exchangeOrderID.String
	txn.NextRetryAt = nullTimePtr(nextRetryAt)
	txn.PaymentConfirmedAt = nullTimePtr(paymentConfirmedAt)
	txn.FundsHeldAt = nullTimePtr(fundsHeldAt)
	txn.ProcessingStartAt = nullTimePtr(processingStartAt)
	txn.CompletedAt = nullTimePtr(completedAt)
	txn.PaymentTimeoutAt = nullTimePtr(paymentTimeoutAt)
	txn.ProcessingTimeoutAt = nullTimePtr(processingTimeoutAt)
	txn.AutoExpireAt = nullTimePtr(autoExpireAt)

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return txn, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (d Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("settle.database").Start(ctx, "Saving transaction to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO settle.transactions(transaction_id, owner_id, kind, status, priority, amount, fee_amount, total_amount, currency,
			fund_movement_type, held_amount, available_before, available_after,
			requires_otp, otp_verified, requires_admin_approval, admin_approved, risk_score,
			provider, provider_ref, destination, counterparty_id,
			retry_count, max_retries, escrow_id, cashout_id, exchange_order_id,
			created_at, payment_timeout_at, processing_timeout_at, auto_expire_at, meta_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		txn.TransactionID, txn.OwnerID, txn.Kind, txn.Status, txn.Priority, txn.Amount, txn.FeeAmount, txn.TotalAmount, txn.Currency,
		string(txn.FundMovementType), txn.HeldAmount, txn.AvailableBefore, txn.AvailableAfter,
		txn.RequiresOTP, txn.OTPVerified, txn.RequiresAdminApproval, txn.AdminApproved, txn.RiskScore,
		txn.Provider, txn.ProviderRef, txn.Destination, txn.CounterpartyID,
		txn.RetryCount, txn.MaxRetries, txn.EscrowID, txn.CashoutID, txn.ExchangeOrderID,
		txn.CreatedAt, txn.PaymentTimeoutAt, txn.ProcessingTimeoutAt, txn.AutoExpireAt, metaDataJSON,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}

	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	cacheKey := "txn:" + id
	if d.Cache != nil {
		cached := &model.Transaction{}
		if err := d.Cache.Get(ctx, cacheKey, cached); err == nil && cached.TransactionID == id {
			return cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM settle.transactions WHERE transaction_id = $1
	`, transactionColumns), id)

	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}

	if d.Cache != nil && model.IsTerminal(txn.Status) {
		// Only terminal rows are safe to cache; everything else must re-read.
		if err := d.Cache.Set(ctx, cacheKey, txn, 5*time.Minute); err != nil {
			logrus.Error(err)
		}
	}
	return txn, nil
}

// ApplyTransition applies one validated status transition as a single
// database transaction: row lock, wallet mutation, row update and history
// append either all land or none do. Re-applying an already-recorded
// transition is a no-op that appends nothing.
func (d Datasource) ApplyTransition(ctx context.Context, p ApplyTransitionParams) (*model.Transaction, error) {
	ctx, span := otel.Tracer("settle.database").Start(ctx, "Applying status transition")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM settle.transactions WHERE transaction_id = $1 FOR UPDATE
	`, transactionColumns), p.TransactionID)
	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", p.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock transaction row", err)
	}

	if txn.Status == p.ToStatus {
		// Replay of a transition that already landed, whether another worker
		// won the race or the same request was re-sent: accept silently
		// without a duplicate history entry. The recorded row's from_status
		// is whatever the transaction was before it first applied, so only
		// the target and reason identify the request.
		var recorded bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM settle.status_history WHERE transaction_id = $1 AND to_status = $2 AND reason = $3)
		`, p.TransactionID, p.ToStatus, p.Reason).Scan(&recorded)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check transition replay", err)
		}
		if recorded {
			if err := tx.Commit(); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transition", err)
			}
			return txn, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("transaction %s is already %s", p.TransactionID, p.ToStatus), nil)
	}

	if txn.Status != p.FromStatus {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("transaction %s moved to %s while transition from %s was in flight", p.TransactionID, txn.Status, p.FromStatus), nil)
	}
	if !model.CanTransition(txn.Kind, txn.Status, p.ToStatus) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("cannot move %s transaction %s from %s to %s", txn.Kind, p.TransactionID, txn.Status, p.ToStatus), nil)
	}

	if p.Movement != model.MovementNone {
		wallet, err := d.getWalletForUpdate(ctx, tx, txn.OwnerID, txn.Currency)
		if err != nil {
			return nil, err
		}
		var counterparty *model.Wallet
		if p.Movement == model.MovementTransfer {
			counterparty, err = d.getWalletForUpdate(ctx, tx, txn.CounterpartyID, txn.Currency)
			if err != nil {
				return nil, err
			}
		}
		if err := model.ApplyFundMovement(txn, p.Movement, wallet, counterparty); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
		}
		if err := updateWalletTx(ctx, tx, wallet); err != nil {
			return nil, err
		}
		if counterparty != nil {
			if err := updateWalletTx(ctx, tx, counterparty); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now()
	txn.Status = p.ToStatus
	switch p.ToStatus {
	case model.StatusPaymentConfirmed:
		txn.PaymentConfirmedAt = &now
	case model.StatusFundsHeld:
		txn.FundsHeldAt = &now
	case model.StatusProcessing:
		txn.ProcessingStartAt = &now
		if cnf, cErr := config.Fetch(); cErr == nil {
			deadline := now.Add(time.Duration(cnf.Timeouts.ProcessingTimeoutMin) * time.Minute)
			txn.ProcessingTimeoutAt = &deadline
		}
	}
	if model.IsTerminal(p.ToStatus) {
		txn.CompletedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE settle.transactions
		SET status = $2, fund_movement_type = $3, held_amount = $4, available_before = $5, available_after = $6,
			payment_confirmed_at = $7, funds_held_at = $8, processing_started_at = $9, completed_at = $10, processing_timeout_at = $11
		WHERE transaction_id = $1
	`, txn.TransactionID, txn.Status, string(txn.FundMovementType), txn.HeldAmount, txn.AvailableBefore, txn.AvailableAfter,
		txn.PaymentConfirmedAt, txn.FundsHeldAt, txn.ProcessingStartAt, txn.CompletedAt, txn.ProcessingTimeoutAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction status", err)
	}

	meta := map[string]interface{}{}
	if p.ErrorCode != "" {
		meta["error_code"] = p.ErrorCode
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal history metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settle.status_history(transaction_id, from_status, to_status, reason, actor_type, actor_id, meta_data, changed_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, p.TransactionID, p.FromStatus, p.ToStatus, p.Reason, p.ActorType, p.ActorID, metaJSON, now, now.Sub(txn.CreatedAt).Milliseconds())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append status history", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transition", err)
	}
	return txn, nil
}

func (d Datasource) UpdateRetryBookkeeping(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time, failureType model.FailureType, lastErrorCode string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.transactions
		SET retry_count = $2, next_retry_at = $3, failure_type = $4, last_error_code = $5
		WHERE transaction_id = $1
	`, id, retryCount, nextRetryAt, string(failureType), lastErrorCode)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update retry bookkeeping", err)
	}
	return nil
}

func (d Datasource) MarkOTPVerified(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.transactions SET otp_verified = true WHERE transaction_id = $1 AND requires_otp = true
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark otp verified", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark otp verified", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("transaction %s does not require otp", id), nil)
	}
	return nil
}

func (d Datasource) MarkAdminApproved(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.transactions SET admin_approved = true WHERE transaction_id = $1 AND requires_admin_approval = true
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark admin approved", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark admin approved", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("transaction %s does not require admin approval", id), nil)
	}
	return nil
}

func (d Datasource) MarkInconsistent(ctx context.Context, id string, inconsistent bool) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.transactions SET has_inconsistency = $2 WHERE transaction_id = $1
	`, id, inconsistent)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to flag inconsistency", err)
	}
	return nil
}

// GetExpiredTransactions returns non-terminal transactions past any of their
// deadlines, for the expiry sweep.
func (d Datasource) GetExpiredTransactions(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM settle.transactions
		WHERE status NOT IN ('SUCCESS','FAILED','CANCELLED','DISPUTED','EXPIRED','PARTIAL_PAYMENT')
		  AND (auto_expire_at < $1
			OR (payment_timeout_at < $1 AND status IN ('PENDING','AWAITING_PAYMENT'))
			OR (processing_timeout_at < $1 AND status IN ('PROCESSING','AWAITING_RESPONSE')))
		ORDER BY created_at
		LIMIT $2
	`, transactionColumns), now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch expired transactions", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTransactions(rows)
}

// GetDueRetries returns transactions whose next_retry_at has elapsed.
func (d Datasource) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM settle.transactions
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= $1
		  AND status IN ('PROCESSING','AWAITING_RESPONSE')
		  AND retry_count <= max_retries
		ORDER BY next_retry_at
		LIMIT $2
	`, transactionColumns), now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch due retries", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed reading transactions", err)
	}
	return out, nil
}

func (d Datasource) GetStatusHistory(ctx context.Context, transactionID string) ([]model.StatusHistoryEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, from_status, to_status, reason, actor_type, actor_id, meta_data, changed_at, duration_ms
		FROM settle.status_history
		WHERE transaction_id = $1
		ORDER BY changed_at, id
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch status history", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.StatusHistoryEntry
	for rows.Next() {
		var e model.StatusHistoryEntry
		var metaDataJSON []byte
		if err := rows.Scan(&e.TransactionID, &e.FromStatus, &e.ToStatus, &e.Reason, &e.ActorType, &e.ActorID, &metaDataJSON, &e.ChangedAt, &e.DurationMs); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan status history", err)
		}
		if len(metaDataJSON) > 0 {
			if err := json.Unmarshal(metaDataJSON, &e.MetaData); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal history metadata", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed reading status history", err)
	}
	return entries, nil
}
