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
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/blnkfinance/settle/model"
)

func (t *CreateTransaction) ValidateCreateTransaction() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.OwnerID, validation.Required),
		validation.Field(&t.Kind, validation.Required, validation.In(
			string(model.KindWalletCashout),
			string(model.KindExchangeSell),
			string(model.KindExchangeBuy),
			string(model.KindEscrow),
		)),
		validation.Field(&t.Currency, validation.Required, validation.Length(3, 10)),
		validation.Field(&t.Amount, validation.By(func(interface{}) error {
			if t.Amount.IsNegative() || t.Amount.IsZero() {
				return errors.New("amount must be greater than zero")
			}
			return nil
		})),
		validation.Field(&t.RiskScore, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&t.CounterpartyID, validation.By(func(interface{}) error {
			if t.Kind == string(model.KindEscrow) && t.CounterpartyID == "" {
				return errors.New("escrow transactions require a counterparty_id")
			}
			return nil
		})),
	)
}

func (t *TransitionStatus) ValidateTransitionStatus() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Status, validation.Required),
		validation.Field(&t.Reason, validation.Required),
		validation.Field(&t.ActorType, validation.Required, validation.In(
			model.ActorUser, model.ActorAdmin, model.ActorSystem,
			model.ActorExternal, model.ActorScheduler, model.ActorWebhook,
		)),
		validation.Field(&t.ActorID, validation.Required),
	)
}

func (e *ExternalSettlement) ValidateExternalSettlement() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ProviderRef, validation.Required),
		validation.Field(&e.ErrorCode, validation.By(func(interface{}) error {
			if !e.Success && e.ErrorCode == "" {
				return errors.New("error_code is required when success is false")
			}
			return nil
		})),
	)
}

func (c *CancelTransaction) ValidateCancelTransaction() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ActorType, validation.Required, validation.In(model.ActorUser, model.ActorAdmin)),
		validation.Field(&c.ActorID, validation.Required),
	)
}
