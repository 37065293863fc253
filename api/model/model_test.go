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
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/blnkfinance/settle/model"
)

func validCreateRequest() CreateTransaction {
	return CreateTransaction{
		OwnerID:   "own_1",
		Kind:      string(model.KindWalletCashout),
		Amount:    decimal.NewFromInt(100),
		FeeAmount: decimal.NewFromInt(5),
		Currency:  "USD",
		Provider:  "provider_a",
		RiskScore: 0.2,
	}
}

func TestValidateCreateTransaction(t *testing.T) {
	req := validCreateRequest()
	assert.NoError(t, req.ValidateCreateTransaction())
}

func TestValidateCreateTransaction_RejectsUnknownKind(t *testing.T) {
	req := validCreateRequest()
	req.Kind = "wire_transfer"
	err := req.ValidateCreateTransaction()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "kind")
}

func TestValidateCreateTransaction_RejectsNonPositiveAmount(t *testing.T) {
	req := validCreateRequest()
	req.Amount = decimal.Zero
	err := req.ValidateCreateTransaction()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be greater than zero")

	req.Amount = decimal.NewFromInt(-10)
	assert.Error(t, req.ValidateCreateTransaction())
}

func TestValidateCreateTransaction_RejectsRiskScoreOutOfRange(t *testing.T) {
	req := validCreateRequest()
	req.RiskScore = 1.5
	assert.Error(t, req.ValidateCreateTransaction())

	req.RiskScore = -0.1
	assert.Error(t, req.ValidateCreateTransaction())
}

func TestValidateCreateTransaction_EscrowRequiresCounterparty(t *testing.T) {
	req := validCreateRequest()
	req.Kind = string(model.KindEscrow)
	err := req.ValidateCreateTransaction()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "counterparty_id")

	req.CounterpartyID = "own_2"
	assert.NoError(t, req.ValidateCreateTransaction())
}

func TestValidateTransitionStatus(t *testing.T) {
	req := TransitionStatus{
		Status:    string(model.StatusProcessing),
		Reason:    "approved by ops",
		ActorType: model.ActorAdmin,
		ActorID:   "adm_1",
	}
	assert.NoError(t, req.ValidateTransitionStatus())

	req.ActorType = "robot"
	assert.Error(t, req.ValidateTransitionStatus())

	req.ActorType = model.ActorAdmin
	req.Reason = ""
	assert.Error(t, req.ValidateTransitionStatus())
}

func TestValidateExternalSettlement(t *testing.T) {
	req := ExternalSettlement{ProviderRef: "prv_ref_1", Success: true}
	assert.NoError(t, req.ValidateExternalSettlement())

	req = ExternalSettlement{ProviderRef: "prv_ref_1", Success: false}
	err := req.ValidateExternalSettlement()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error_code is required when success is false")

	req.ErrorCode = "INSUFFICIENT_FUNDS"
	assert.NoError(t, req.ValidateExternalSettlement())
}

func TestValidateCancelTransaction(t *testing.T) {
	req := CancelTransaction{ActorType: model.ActorUser, ActorID: "own_1"}
	assert.NoError(t, req.ValidateCancelTransaction())

	req.ActorType = model.ActorSystem
	assert.Error(t, req.ValidateCancelTransaction())

	req = CancelTransaction{ActorType: model.ActorAdmin}
	assert.Error(t, req.ValidateCancelTransaction())
}

func TestToTransaction(t *testing.T) {
	req := validCreateRequest()
	req.MetaData = map[string]interface{}{"channel": "mobile"}
	txn := req.ToTransaction()

	assert.Equal(t, "own_1", txn.OwnerID)
	assert.Equal(t, model.KindWalletCashout, txn.Kind)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, txn.FeeAmount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "USD", txn.Currency)
	assert.Equal(t, "mobile", txn.MetaData["channel"])
}
