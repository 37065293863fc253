package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransitionPerKind(t *testing.T) {
	assert.True(t, CanTransition(KindWalletCashout, StatusPending, StatusOTPPending))
	assert.True(t, CanTransition(KindWalletCashout, StatusProcessing, StatusAwaitingResponse))
	assert.True(t, CanTransition(KindEscrow, StatusReleasePending, StatusSuccess))
	assert.True(t, CanTransition(KindExchangeSell, StatusPaymentConfirmed, StatusProcessing))

	// Exchange orders never sit in AWAITING_RESPONSE.
	assert.False(t, CanTransition(KindExchangeSell, StatusProcessing, StatusAwaitingResponse))
	assert.False(t, CanTransition(KindExchangeBuy, StatusProcessing, StatusAwaitingResponse))

	// Cashouts skip the payment phase entirely.
	assert.False(t, CanTransition(KindWalletCashout, StatusPending, StatusAwaitingPayment))

	// No skipping intermediate states.
	assert.False(t, CanTransition(KindEscrow, StatusPending, StatusFundsHeld))
	assert.False(t, CanTransition(KindExchangeBuy, StatusPending, StatusSuccess))
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	terminals := []string{StatusSuccess, StatusFailed, StatusCancelled, StatusDisputed, StatusExpired, StatusPartialPayment}
	targets := []string{StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusCancelled}
	kinds := []TransactionKind{KindWalletCashout, KindExchangeSell, KindExchangeBuy, KindEscrow}

	for _, kind := range kinds {
		for _, from := range terminals {
			assert.True(t, IsTerminal(from))
			for _, to := range targets {
				assert.False(t, CanTransition(kind, from, to), "%s: %s -> %s must be rejected", kind, from, to)
			}
		}
	}
}

func TestCheckGates(t *testing.T) {
	txn := &Transaction{
		TransactionID: "txn_1",
		Kind:          KindWalletCashout,
		Status:        StatusOTPPending,
		RequiresOTP:   true,
	}
	assert.Error(t, CheckGates(txn, StatusProcessing))

	txn.OTPVerified = true
	assert.NoError(t, CheckGates(txn, StatusProcessing))

	// Compensating transitions pass through unmet gates.
	txn.OTPVerified = false
	assert.NoError(t, CheckGates(txn, StatusCancelled))
	assert.NoError(t, CheckGates(txn, StatusExpired))

	admin := &Transaction{
		TransactionID:         "txn_2",
		Kind:                  KindWalletCashout,
		Status:                StatusAdminPending,
		RequiresAdminApproval: true,
	}
	assert.Error(t, CheckGates(admin, StatusProcessing))
	admin.AdminApproved = true
	assert.NoError(t, CheckGates(admin, StatusProcessing))
}

func TestCheckGatesOTPMustLeaveThroughGate(t *testing.T) {
	txn := &Transaction{
		TransactionID: "txn_3",
		Kind:          KindWalletCashout,
		Status:        StatusPending,
		RequiresOTP:   true,
	}
	assert.Error(t, CheckGates(txn, StatusProcessing))
	assert.NoError(t, CheckGates(txn, StatusOTPPending))
}

func TestValidateRelatedEntityExclusivity(t *testing.T) {
	txn := &Transaction{
		Kind:        KindWalletCashout,
		Status:      StatusPending,
		Amount:      decimal.NewFromInt(100),
		TotalAmount: decimal.NewFromInt(105),
		CashoutID:   "csh_1",
		EscrowID:    "esc_1",
	}
	assert.ErrorContains(t, txn.Validate(), "at most one of")

	txn.EscrowID = ""
	assert.NoError(t, txn.Validate())
}

func TestValidateRejectsIllegalStatusForKind(t *testing.T) {
	txn := &Transaction{
		Kind:        KindWalletCashout,
		Status:      StatusAwaitingPayment,
		Amount:      decimal.NewFromInt(10),
		TotalAmount: decimal.NewFromInt(10),
	}
	assert.ErrorContains(t, txn.Validate(), "not legal for kind")
}

func TestMovementForTransition(t *testing.T) {
	assert.Equal(t, MovementHold, MovementForTransition(KindWalletCashout, StatusPending, StatusOTPPending))
	assert.Equal(t, MovementConsume, MovementForTransition(KindWalletCashout, StatusAwaitingResponse, StatusSuccess))
	assert.Equal(t, MovementRelease, MovementForTransition(KindWalletCashout, StatusOTPPending, StatusCancelled))
	assert.Equal(t, MovementDebit, MovementForTransition(KindExchangeBuy, StatusPaymentConfirmed, StatusProcessing))
	assert.Equal(t, MovementCredit, MovementForTransition(KindExchangeBuy, StatusProcessing, StatusSuccess))
	assert.Equal(t, MovementHold, MovementForTransition(KindEscrow, StatusAwaitingApproval, StatusFundsHeld))
	assert.Equal(t, MovementTransfer, MovementForTransition(KindEscrow, StatusReleasePending, StatusSuccess))
	assert.Equal(t, MovementNone, MovementForTransition(KindEscrow, StatusPending, StatusAwaitingPayment))
}

func TestApplyFundMovementHoldAndConsume(t *testing.T) {
	txn := &Transaction{
		TransactionID: "txn_4",
		Amount:        decimal.NewFromInt(100),
		TotalAmount:   decimal.NewFromInt(105),
	}
	wallet := &Wallet{Available: decimal.NewFromInt(500)}

	assert.NoError(t, ApplyFundMovement(txn, MovementHold, wallet, nil))
	assert.True(t, wallet.Available.Equal(decimal.NewFromInt(395)))
	assert.True(t, wallet.Held.Equal(decimal.NewFromInt(105)))
	assert.True(t, txn.HeldAmount.Equal(decimal.NewFromInt(105)))
	assert.True(t, txn.AvailableBefore.Equal(decimal.NewFromInt(500)))
	assert.True(t, txn.AvailableAfter.Equal(decimal.NewFromInt(395)))

	assert.NoError(t, ApplyFundMovement(txn, MovementConsume, wallet, nil))
	assert.True(t, wallet.Held.IsZero())
	assert.True(t, txn.HeldAmount.IsZero())
}

func TestApplyFundMovementInsufficientFunds(t *testing.T) {
	txn := &Transaction{TotalAmount: decimal.NewFromInt(1000)}
	wallet := &Wallet{Available: decimal.NewFromInt(50)}
	assert.ErrorContains(t, ApplyFundMovement(txn, MovementHold, wallet, nil), "insufficient funds")
	assert.True(t, wallet.Available.Equal(decimal.NewFromInt(50)))
}

func TestApplyFundMovementReleaseWithNothingHeldIsNoop(t *testing.T) {
	txn := &Transaction{TotalAmount: decimal.NewFromInt(100)}
	wallet := &Wallet{Available: decimal.NewFromInt(50)}
	assert.NoError(t, ApplyFundMovement(txn, MovementRelease, wallet, nil))
	assert.True(t, wallet.Available.Equal(decimal.NewFromInt(50)))
	assert.True(t, wallet.Held.IsZero())
}

func TestApplyFundMovementTransfer(t *testing.T) {
	txn := &Transaction{
		Amount:      decimal.NewFromInt(200),
		TotalAmount: decimal.NewFromInt(210),
		HeldAmount:  decimal.NewFromInt(210),
	}
	wallet := &Wallet{Held: decimal.NewFromInt(210)}
	assert.ErrorContains(t, ApplyFundMovement(txn, MovementTransfer, wallet, nil), "requires a counterparty")

	counterparty := &Wallet{}
	assert.NoError(t, ApplyFundMovement(txn, MovementTransfer, wallet, counterparty))
	assert.True(t, wallet.Held.IsZero())
	assert.True(t, counterparty.Available.Equal(decimal.NewFromInt(200)))
	assert.True(t, txn.HeldAmount.IsZero())
}
