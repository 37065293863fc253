package model

import (
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/settle/model"
)

// CreateTransaction is the request body for registering a new transaction.
type CreateTransaction struct {
	OwnerID               string                 `json:"owner_id"`
	Kind                  string                 `json:"kind"`
	Amount                decimal.Decimal        `json:"amount"`
	FeeAmount             decimal.Decimal        `json:"fee_amount"`
	Currency              string                 `json:"currency"`
	Provider              string                 `json:"provider,omitempty"`
	Destination           string                 `json:"destination,omitempty"`
	CounterpartyID        string                 `json:"counterparty_id,omitempty"`
	RequiresOTP           bool                   `json:"requires_otp"`
	RequiresAdminApproval bool                   `json:"requires_admin_approval"`
	RiskScore             float64                `json:"risk_score"`
	EscrowID              string                 `json:"escrow_id,omitempty"`
	CashoutID             string                 `json:"cashout_id,omitempty"`
	ExchangeOrderID       string                 `json:"exchange_order_id,omitempty"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
}

func (t *CreateTransaction) ToTransaction() *model.Transaction {
	return &model.Transaction{
		OwnerID:               t.OwnerID,
		Kind:                  model.TransactionKind(t.Kind),
		Amount:                t.Amount,
		FeeAmount:             t.FeeAmount,
		Currency:              t.Currency,
		Provider:              t.Provider,
		Destination:           t.Destination,
		CounterpartyID:        t.CounterpartyID,
		RequiresOTP:           t.RequiresOTP,
		RequiresAdminApproval: t.RequiresAdminApproval,
		RiskScore:             t.RiskScore,
		EscrowID:              t.EscrowID,
		CashoutID:             t.CashoutID,
		ExchangeOrderID:       t.ExchangeOrderID,
		MetaData:              t.MetaData,
	}
}

// TransitionStatus is the request body for a manual status transition.
type TransitionStatus struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ExternalSettlement is the request body for a provider settlement callback.
type ExternalSettlement struct {
	ProviderRef  string `json:"provider_ref"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CancelTransaction is the request body for a cancellation.
type CancelTransaction struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
}

// GateAction carries who verified the OTP or approved the transaction.
type GateAction struct {
	ActorID string `json:"actor_id"`
}
