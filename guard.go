/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/model"
)

// Threshold ratios relative to a provider's configured base value. Below the
// operational minimum new settlements stop going out through the provider.
var (
	warningRatio   = decimal.NewFromFloat(0.75)
	criticalRatio  = decimal.NewFromFloat(0.50)
	emergencyRatio = decimal.NewFromFloat(0.25)
	minimumRatio   = decimal.NewFromFloat(0.10)
)

// LiquidityStatus is the guard's view of one (provider, currency) pair.
type LiquidityStatus struct {
	Provider  string          `json:"provider"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	BaseValue decimal.Decimal `json:"base_value"`
	Level     string          `json:"level"`
	Blocked   bool            `json:"blocked"`
}

// BalanceGuard watches provider liquidity against configured thresholds,
// raises cooldown-limited operator alerts and blocks settlements that would
// push a provider below its operational minimum.
type BalanceGuard struct {
	datasource database.IDataSource
	baseValues map[string]decimal.Decimal
	cooldown   time.Duration
}

func guardKey(provider, currency string) string {
	return provider + ":" + currency
}

func NewBalanceGuard(db database.IDataSource, cnf *config.Configuration) *BalanceGuard {
	baseValues := make(map[string]decimal.Decimal)
	for _, t := range cnf.BalanceGuard.Providers {
		base, err := decimal.NewFromString(t.BaseValue)
		if err != nil {
			logrus.Errorf("invalid base value %q for provider %s: %v", t.BaseValue, t.Provider, err)
			continue
		}
		baseValues[guardKey(t.Provider, t.Currency)] = base
	}
	return &BalanceGuard{
		datasource: db,
		baseValues: baseValues,
		cooldown:   time.Duration(cnf.BalanceGuard.AlertCooldownSec) * time.Second,
	}
}

func levelFor(balance, base decimal.Decimal) string {
	switch {
	case balance.LessThan(base.Mul(minimumRatio)):
		return model.AlertLevelBlocked
	case balance.LessThan(base.Mul(emergencyRatio)):
		return model.AlertLevelEmergency
	case balance.LessThan(base.Mul(criticalRatio)):
		return model.AlertLevelCritical
	case balance.LessThan(base.Mul(warningRatio)):
		return model.AlertLevelWarning
	default:
		return "ok"
	}
}

// Evaluate reports the current liquidity level for a provider and raises
// the operator alert for it, subject to the cooldown.
func (g *BalanceGuard) Evaluate(ctx context.Context, provider, currency string) (*LiquidityStatus, error) {
	base, ok := g.baseValues[guardKey(provider, currency)]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound,
			fmt.Sprintf("no liquidity threshold configured for provider '%s' in %s", provider, currency), nil)
	}
	balance, err := g.datasource.GetProviderBalance(ctx, provider, currency)
	if err != nil {
		return nil, err
	}

	status := &LiquidityStatus{
		Provider:  provider,
		Currency:  currency,
		Balance:   balance.Balance,
		BaseValue: base,
		Level:     levelFor(balance.Balance, base),
	}
	status.Blocked = status.Level == model.AlertLevelBlocked

	if status.Level != "ok" {
		g.alert(ctx, status)
	}
	return status, nil
}

// EnsureLiquidity rejects a settlement that would leave the provider below
// its operational minimum, or one whose provider is already blocked.
func (g *BalanceGuard) EnsureLiquidity(ctx context.Context, provider, currency string, amount decimal.Decimal) error {
	base, ok := g.baseValues[guardKey(provider, currency)]
	if !ok {
		// Unconfigured providers are not guarded.
		return nil
	}
	balance, err := g.datasource.GetProviderBalance(ctx, provider, currency)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil
		}
		return err
	}

	if _, err := g.Evaluate(ctx, provider, currency); err != nil {
		logrus.Error(err)
	}

	remaining := balance.Balance.Sub(amount)
	if remaining.LessThan(base.Mul(minimumRatio)) {
		return apierror.NewAPIError(apierror.ErrInsufficientLiquidity,
			fmt.Sprintf("provider '%s' liquidity in %s would fall to %s, below the operational minimum %s",
				provider, currency, remaining, base.Mul(minimumRatio)), nil)
	}
	return nil
}

// alert dispatches the operator alert for a degraded level unless the same
// (provider, currency, level) alerted within the cooldown window.
func (g *BalanceGuard) alert(ctx context.Context, status *LiquidityStatus) {
	now := time.Now()
	state, err := g.datasource.GetAlertState(ctx, status.Provider, status.Currency, status.Level)
	if err == nil && now.Sub(state.LastAlertTime) < g.cooldown {
		// Suppressed repeat inside the cooldown window: counted, but the
		// operator is not paged again.
		if tErr := g.datasource.TouchAlertState(ctx, status.Provider, status.Currency, status.Level, false, now); tErr != nil {
			logrus.Error(tErr)
		}
		return
	}
	if err != nil && !apierror.HasCode(err, apierror.ErrNotFound) {
		logrus.Error(err)
		return
	}

	if err := g.datasource.TouchAlertState(ctx, status.Provider, status.Currency, status.Level, true, now); err != nil {
		logrus.Error(err)
		return
	}

	message := fmt.Sprintf("provider %s liquidity in %s is %s of base (%s level, balance %s)",
		status.Provider, status.Currency,
		status.Balance.Div(status.BaseValue).Mul(decimal.NewFromInt(100)).Round(1).String()+"%",
		status.Level, status.Balance)
	notification.NotifyError(fmt.Errorf("%s", message))
	go func() {
		if err := SendWebhook(NewWebhook{Event: "operator.alert", Payload: status}); err != nil {
			logrus.Error(err)
		}
	}()
}
