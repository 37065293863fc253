package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

func (d Datasource) GetProviderBalance(ctx context.Context, provider, currency string) (*model.ProviderBalance, error) {
	balance := &model.ProviderBalance{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT provider, currency, balance, updated_at
		FROM settle.provider_balances WHERE provider = $1 AND currency = $2
	`, provider, currency).Scan(&balance.Provider, &balance.Currency, &balance.Balance, &balance.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No balance tracked for provider '%s' in %s", provider, currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve provider balance", err)
	}
	return balance, nil
}

func (d Datasource) AdjustProviderBalance(ctx context.Context, provider, currency string, delta decimal.Decimal) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.provider_balances(provider, currency, balance, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider, currency) DO UPDATE
		SET balance = settle.provider_balances.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`, provider, currency, delta, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to adjust provider balance", err)
	}
	return nil
}

func (d Datasource) GetAlertState(ctx context.Context, provider, currency, level string) (*model.BalanceAlertState, error) {
	state := &model.BalanceAlertState{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT provider, currency, alert_level, last_alert_time, alert_count
		FROM settle.balance_alert_states WHERE provider = $1 AND currency = $2 AND alert_level = $3
	`, provider, currency, level).Scan(&state.Provider, &state.Currency, &state.AlertLevel, &state.LastAlertTime, &state.AlertCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No %s alert state for provider '%s' in %s", level, provider, currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve alert state", err)
	}
	return state, nil
}

// TouchAlertState records that the guard raised the level. A dispatched
// alert resets the cooldown window; a suppressed repeat only increments
// alert_count, leaving last_alert_time untouched so the window keeps running
// from the original alert.
func (d Datasource) TouchAlertState(ctx context.Context, provider, currency, level string, dispatched bool, at time.Time) error {
	var err error
	if dispatched {
		_, err = d.Conn.ExecContext(ctx, `
			INSERT INTO settle.balance_alert_states(provider, currency, alert_level, last_alert_time, alert_count)
			VALUES ($1,$2,$3,$4,1)
			ON CONFLICT (provider, currency, alert_level) DO UPDATE
			SET last_alert_time = EXCLUDED.last_alert_time,
				alert_count = settle.balance_alert_states.alert_count + 1
		`, provider, currency, level, at)
	} else {
		_, err = d.Conn.ExecContext(ctx, `
			INSERT INTO settle.balance_alert_states(provider, currency, alert_level, last_alert_time, alert_count)
			VALUES ($1,$2,$3,$4,1)
			ON CONFLICT (provider, currency, alert_level) DO UPDATE
			SET alert_count = settle.balance_alert_states.alert_count + 1
		`, provider, currency, level, at)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update alert state", err)
	}
	return nil
}
