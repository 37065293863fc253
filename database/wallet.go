package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

func (d Datasource) GetOrCreateWallet(ctx context.Context, ownerID, currency string) (*model.Wallet, error) {
	wallet, err := d.GetWallet(ctx, ownerID, currency)
	if err == nil {
		return wallet, nil
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, err
	}

	wallet = &model.Wallet{
		WalletID:  GenerateUUIDWithSuffix("wlt"),
		OwnerID:   ownerID,
		Currency:  currency,
		CreatedAt: time.Now(),
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO settle.wallets(wallet_id, owner_id, currency, available, held, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (owner_id, currency) DO NOTHING
	`, wallet.WalletID, wallet.OwnerID, wallet.Currency, wallet.Available, wallet.Held, wallet.CreatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create wallet", err)
	}
	// A concurrent creator may have won the conflict; read back either way.
	return d.GetWallet(ctx, ownerID, currency)
}

func (d Datasource) GetWallet(ctx context.Context, ownerID, currency string) (*model.Wallet, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, wallet_id, owner_id, currency, available, held, created_at
		FROM settle.wallets WHERE owner_id = $1 AND currency = $2
	`, ownerID, currency)
	return scanWallet(row, ownerID, currency)
}

func (d Datasource) getWalletForUpdate(ctx context.Context, tx *sql.Tx, ownerID, currency string) (*model.Wallet, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, wallet_id, owner_id, currency, available, held, created_at
		FROM settle.wallets WHERE owner_id = $1 AND currency = $2 FOR UPDATE
	`, ownerID, currency)
	return scanWallet(row, ownerID, currency)
}

func scanWallet(row rowScanner, ownerID, currency string) (*model.Wallet, error) {
	wallet := &model.Wallet{}
	err := row.Scan(&wallet.ID, &wallet.WalletID, &wallet.OwnerID, &wallet.Currency, &wallet.Available, &wallet.Held, &wallet.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet for owner '%s' in %s not found", ownerID, currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve wallet", err)
	}
	return wallet, nil
}

func updateWalletTx(ctx context.Context, tx *sql.Tx, wallet *model.Wallet) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE settle.wallets SET available = $2, held = $3 WHERE wallet_id = $1
	`, wallet.WalletID, wallet.Available, wallet.Held)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update wallet balances", err)
	}
	return nil
}
