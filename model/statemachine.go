package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// transitionTables defines, per kind, every transition the engine will ever
// accept. The tables are closed: a (kind, from, to) triple absent here is an
// invalid transition, full stop. Keeping the tables as data (rather than
// scattered checks) makes the legal subsets reviewable in one place.
var transitionTables = map[TransactionKind]map[string][]string{
	KindWalletCashout: {
		StatusPending:          {StatusOTPPending, StatusAdminPending, StatusProcessing, StatusCancelled, StatusExpired, StatusFailed},
		StatusOTPPending:       {StatusAdminPending, StatusProcessing, StatusCancelled, StatusExpired, StatusFailed},
		StatusAdminPending:     {StatusProcessing, StatusCancelled, StatusExpired, StatusFailed},
		StatusProcessing:       {StatusAwaitingResponse, StatusSuccess, StatusFailed},
		StatusAwaitingResponse: {StatusSuccess, StatusFailed, StatusDisputed},
	},
	KindExchangeSell: exchangeTable(),
	KindExchangeBuy:  exchangeTable(),
	KindEscrow: {
		StatusPending:          {StatusAwaitingPayment, StatusCancelled, StatusExpired},
		StatusAwaitingPayment:  {StatusPaymentConfirmed, StatusPartialPayment, StatusCancelled, StatusExpired},
		StatusPaymentConfirmed: {StatusAwaitingApproval, StatusCancelled, StatusDisputed},
		StatusAwaitingApproval: {StatusFundsHeld, StatusCancelled, StatusDisputed, StatusExpired},
		StatusFundsHeld:        {StatusReleasePending, StatusCancelled, StatusDisputed, StatusExpired},
		StatusReleasePending:   {StatusSuccess, StatusFailed, StatusDisputed},
	},
}

// Both exchange kinds settle through an internal ledger transfer, so neither
// can sit in AWAITING_RESPONSE.
func exchangeTable() map[string][]string {
	return map[string][]string{
		StatusPending:          {StatusAwaitingPayment, StatusCancelled, StatusExpired},
		StatusAwaitingPayment:  {StatusPaymentConfirmed, StatusPartialPayment, StatusCancelled, StatusExpired},
		StatusPaymentConfirmed: {StatusProcessing, StatusCancelled},
		StatusProcessing:       {StatusSuccess, StatusFailed},
	}
}

var terminalStatuses = map[string]bool{
	StatusSuccess:        true,
	StatusFailed:         true,
	StatusCancelled:      true,
	StatusDisputed:       true,
	StatusExpired:        true,
	StatusPartialPayment: true,
}

// IsTerminal reports whether a status is absorbing.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// CanTransition reports whether the (kind, from, to) transition is in the
// legal subset. Terminal statuses never transition.
func CanTransition(kind TransactionKind, from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	targets, ok := transitionTables[kind][from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// StatusLegalForKind reports whether a status appears anywhere in the kind's
// table, as a source or a target.
func StatusLegalForKind(kind TransactionKind, status string) bool {
	table, ok := transitionTables[kind]
	if !ok {
		return false
	}
	if _, ok := table[status]; ok {
		return true
	}
	for _, targets := range table {
		for _, t := range targets {
			if t == status {
				return true
			}
		}
	}
	return false
}

// compensating statuses do not need the forward gates; a cancellation or
// expiry must be able to pass through an unverified OTP hold.
func isCompensating(to string) bool {
	return to == StatusCancelled || to == StatusExpired || to == StatusFailed || to == StatusDisputed
}

// CheckGates verifies the OTP and admin-approval preconditions for a
// transition the table already allows. Returns a descriptive error when a
// gate is unmet.
func CheckGates(txn *Transaction, to string) error {
	if isCompensating(to) {
		return nil
	}
	switch txn.Status {
	case StatusOTPPending:
		if !txn.OTPVerified {
			return fmt.Errorf("otp not verified for transaction %s", txn.TransactionID)
		}
	case StatusAdminPending:
		if !txn.AdminApproved {
			return fmt.Errorf("admin approval pending for transaction %s", txn.TransactionID)
		}
	case StatusAwaitingApproval:
		if txn.RequiresAdminApproval && !txn.AdminApproved {
			return fmt.Errorf("admin approval pending for transaction %s", txn.TransactionID)
		}
	case StatusPending:
		// A cashout that requires OTP may only leave PENDING through the OTP
		// gate unless the code was already verified.
		if txn.Kind == KindWalletCashout && txn.RequiresOTP && !txn.OTPVerified && to != StatusOTPPending {
			return fmt.Errorf("otp not verified for transaction %s", txn.TransactionID)
		}
	}
	return nil
}

// MovementForTransition selects the fund movement an accepted transition
// carries. MovementNone means the transition only changes status.
func MovementForTransition(kind TransactionKind, from, to string) FundMovement {
	switch kind {
	case KindWalletCashout:
		switch {
		case from == StatusPending && !IsTerminal(to):
			return MovementHold
		case to == StatusSuccess:
			return MovementConsume
		case to == StatusFailed || to == StatusCancelled || to == StatusExpired:
			return MovementRelease
		}
	case KindExchangeSell, KindExchangeBuy:
		switch {
		case from == StatusPaymentConfirmed && to == StatusProcessing:
			return MovementDebit
		case to == StatusSuccess:
			return MovementCredit
		}
	case KindEscrow:
		switch {
		case from == StatusAwaitingApproval && to == StatusFundsHeld:
			return MovementHold
		case from == StatusReleasePending && to == StatusSuccess:
			return MovementTransfer
		case to == StatusCancelled || to == StatusExpired || to == StatusFailed:
			return MovementRelease
		}
	}
	return MovementNone
}

// ApplyFundMovement mutates the wallets per the movement type and records the
// pre/post available snapshots on the transaction. A release or consume with
// nothing held is a no-op so compensating transitions stay safe to apply from
// any intermediate state. Counterparty may be nil except for transfer.
func ApplyFundMovement(txn *Transaction, movement FundMovement, wallet, counterparty *Wallet) error {
	if movement == MovementNone {
		return nil
	}
	pre := wallet.Available
	switch movement {
	case MovementHold:
		if wallet.Available.LessThan(txn.TotalAmount) {
			return fmt.Errorf("insufficient funds: available %s, required %s", wallet.Available, txn.TotalAmount)
		}
		wallet.Available = wallet.Available.Sub(txn.TotalAmount)
		wallet.Held = wallet.Held.Add(txn.TotalAmount)
		txn.HeldAmount = txn.TotalAmount
	case MovementRelease:
		if txn.HeldAmount.IsZero() {
			return nil
		}
		wallet.Available = wallet.Available.Add(txn.HeldAmount)
		wallet.Held = wallet.Held.Sub(txn.HeldAmount)
		txn.HeldAmount = decimal.Zero
	case MovementDebit:
		if wallet.Available.LessThan(txn.TotalAmount) {
			return fmt.Errorf("insufficient funds: available %s, required %s", wallet.Available, txn.TotalAmount)
		}
		wallet.Available = wallet.Available.Sub(txn.TotalAmount)
	case MovementCredit:
		wallet.Available = wallet.Available.Add(txn.Amount)
	case MovementConsume:
		if txn.HeldAmount.IsZero() {
			return nil
		}
		wallet.Held = wallet.Held.Sub(txn.HeldAmount)
		txn.HeldAmount = decimal.Zero
	case MovementTransfer:
		if counterparty == nil {
			return fmt.Errorf("transfer movement requires a counterparty wallet")
		}
		if txn.HeldAmount.IsZero() {
			return nil
		}
		wallet.Held = wallet.Held.Sub(txn.HeldAmount)
		counterparty.Available = counterparty.Available.Add(txn.Amount)
		txn.HeldAmount = decimal.Zero
	default:
		return fmt.Errorf("unknown fund movement %q", movement)
	}
	txn.FundMovementType = movement
	txn.AvailableBefore = pre
	txn.AvailableAfter = wallet.Available
	return nil
}
