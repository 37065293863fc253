package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// legacyTableFor maps a transaction kind to its old per-kind table. The
// three tables stay write-compatible until migration completes and
// unified_only retires them.
func legacyTableFor(kind model.TransactionKind) (string, error) {
	switch kind {
	case model.KindWalletCashout:
		return "settle.legacy_cashouts", nil
	case model.KindExchangeSell, model.KindExchangeBuy:
		return "settle.legacy_exchange_orders", nil
	case model.KindEscrow:
		return "settle.legacy_escrows", nil
	default:
		return "", apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("no legacy table for kind %q", kind), nil)
	}
}

func (d Datasource) UpsertLegacyRecord(ctx context.Context, rec *model.LegacyRecord) error {
	table, err := legacyTableFor(rec.Kind)
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(transaction_id, owner_id, status, amount, currency, destination, description, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (transaction_id) DO UPDATE
		SET status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			destination = EXCLUDED.destination,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
	`, table), rec.TransactionID, rec.OwnerID, rec.Status, rec.Amount, rec.Currency, rec.Destination, rec.Description, rec.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert legacy record", err)
	}
	return nil
}

func (d Datasource) GetLegacyRecord(ctx context.Context, kind model.TransactionKind, transactionID string) (*model.LegacyRecord, error) {
	table, err := legacyTableFor(kind)
	if err != nil {
		return nil, err
	}
	rec := &model.LegacyRecord{Kind: kind}
	var destination, description sql.NullString
	err = d.Conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT transaction_id, owner_id, status, amount, currency, destination, description, updated_at
		FROM %s WHERE transaction_id = $1
	`, table), transactionID).Scan(&rec.TransactionID, &rec.OwnerID, &rec.Status, &rec.Amount, &rec.Currency, &destination, &description, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Legacy record for transaction '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve legacy record", err)
	}
	rec.Destination = destination.String
	rec.Description = description.String
	return rec, nil
}

func (d Datasource) UpdateLegacyStatus(ctx context.Context, kind model.TransactionKind, transactionID, status string) error {
	table, err := legacyTableFor(kind)
	if err != nil {
		return err
	}
	result, err := d.Conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = $3 WHERE transaction_id = $1
	`, table), transactionID, status, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update legacy status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update legacy status", err)
	}
	if affected == 0 {
		// Rows created before dual-write was switched on have no legacy
		// counterpart yet; the caller upserts the full record instead.
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Legacy record for transaction '%s' not found", transactionID), nil)
	}
	return nil
}

// SyncTransactionFromLegacy overwrites the mirrored fields of the unified
// row with the legacy row's values. Drift repair uses it when the legacy
// store is the configured primary.
func (d Datasource) SyncTransactionFromLegacy(ctx context.Context, rec *model.LegacyRecord) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.transactions
		SET status = $2, owner_id = $3, amount = $4, currency = $5, destination = $6,
			meta_data = jsonb_set(COALESCE(meta_data, '{}'::jsonb), '{description}', to_jsonb($7::text))
		WHERE transaction_id = $1
	`, rec.TransactionID, rec.Status, rec.OwnerID, rec.Amount, rec.Currency, rec.Destination, rec.Description)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sync transaction from legacy record", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sync transaction from legacy record", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", rec.TransactionID), nil)
	}
	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, "txn:"+rec.TransactionID); err != nil {
			logrus.Error(err)
		}
	}
	return nil
}
