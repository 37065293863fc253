package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is one of the four fixed transaction categories. The set is
// closed; anything else is rejected at validation time.
type TransactionKind string

const (
	KindWalletCashout TransactionKind = "wallet_cashout"
	KindExchangeSell  TransactionKind = "exchange_sell_crypto"
	KindExchangeBuy   TransactionKind = "exchange_buy_crypto"
	KindEscrow        TransactionKind = "escrow"
)

// Status values shared by all transaction kinds. Which subset is legal for a
// kind is defined by the transition tables in statemachine.go.
const (
	StatusPending          = "PENDING"
	StatusAwaitingPayment  = "AWAITING_PAYMENT"
	StatusPaymentConfirmed = "PAYMENT_CONFIRMED"
	StatusFundsHeld        = "FUNDS_HELD"
	StatusAwaitingApproval = "AWAITING_APPROVAL"
	StatusOTPPending       = "OTP_PENDING"
	StatusAdminPending     = "ADMIN_PENDING"
	StatusProcessing       = "PROCESSING"
	StatusAwaitingResponse = "AWAITING_RESPONSE"
	StatusReleasePending   = "RELEASE_PENDING"
	StatusSuccess          = "SUCCESS"
	StatusFailed           = "FAILED"
	StatusCancelled        = "CANCELLED"
	StatusDisputed         = "DISPUTED"
	StatusExpired          = "EXPIRED"
	StatusPartialPayment   = "PARTIAL_PAYMENT"
)

// FundMovement classifies how an accepted transition touches wallets.
type FundMovement string

const (
	MovementNone     FundMovement = ""
	MovementHold     FundMovement = "hold"
	MovementRelease  FundMovement = "release"
	MovementDebit    FundMovement = "debit"
	MovementCredit   FundMovement = "credit"
	MovementTransfer FundMovement = "transfer"
	MovementConsume  FundMovement = "consume"
)

// Actor classes that may trigger a transition.
const (
	ActorUser      = "user"
	ActorAdmin     = "admin"
	ActorSystem    = "system"
	ActorExternal  = "external"
	ActorScheduler = "scheduler"
	ActorWebhook   = "webhook"
)

// FailureType is the retry classification of a settlement error.
type FailureType string

const (
	FailureTechnical FailureType = "technical"
	FailureUser      FailureType = "user"
)

// Transaction is the unified representation of a value transfer. One row per
// transaction regardless of kind; per-kind legacy rows are mirrored by the
// dual-write adapter during migration.
type Transaction struct {
	ID            int64           `json:"-"`
	TransactionID string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Kind          TransactionKind `json:"kind"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`

	Amount      decimal.Decimal `json:"amount"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`

	FundMovementType FundMovement    `json:"fund_movement_type"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
	AvailableBefore  decimal.Decimal `json:"available_balance_before"`
	AvailableAfter   decimal.Decimal `json:"available_balance_after"`

	RequiresOTP           bool    `json:"requires_otp"`
	OTPVerified           bool    `json:"otp_verified"`
	RequiresAdminApproval bool    `json:"requires_admin_approval"`
	AdminApproved         bool    `json:"admin_approved"`
	RiskScore             float64 `json:"risk_score"`

	Provider    string `json:"provider,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Destination string `json:"destination,omitempty"`

	// Counterparty receives the funds on a transfer movement (escrow release,
	// exchange settlement leg).
	CounterpartyID string `json:"counterparty_id,omitempty"`

	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	NextRetryAt   *time.Time  `json:"next_retry_at,omitempty"`
	FailureType   FailureType `json:"failure_type,omitempty"`
	LastErrorCode string      `json:"last_error_code,omitempty"`

	// At most one of these may be set.
	EscrowID        string `json:"escrow_id,omitempty"`
	CashoutID       string `json:"cashout_id,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	PaymentConfirmedAt *time.Time `json:"payment_confirmed_at,omitempty"`
	FundsHeldAt        *time.Time `json:"funds_held_at,omitempty"`
	ProcessingStartAt  *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	PaymentTimeoutAt    *time.Time `json:"payment_timeout_at,omitempty"`
	ProcessingTimeoutAt *time.Time `json:"processing_timeout_at,omitempty"`
	AutoExpireAt        *time.Time `json:"auto_expire_at,omitempty"`

	HasInconsistency bool                   `json:"has_inconsistency,omitempty"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// RelatedEntityCount reports how many of the per-kind references are set.
func (t *Transaction) RelatedEntityCount() int {
	n := 0
	for _, id := range []string{t.EscrowID, t.CashoutID, t.ExchangeOrderID} {
		if id != "" {
			n++
		}
	}
	return n
}

// Validate enforces the structural invariants that hold for every
// transaction regardless of status.
func (t *Transaction) Validate() error {
	if _, ok := transitionTables[t.Kind]; !ok {
		return fmt.Errorf("unknown transaction kind %q", t.Kind)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative")
	}
	if t.TotalAmount.LessThan(t.Amount) {
		return fmt.Errorf("total_amount %s is less than amount %s", t.TotalAmount, t.Amount)
	}
	if t.OTPVerified && !t.RequiresOTP {
		return fmt.Errorf("otp_verified set on a transaction that does not require otp")
	}
	if t.AdminApproved && !t.RequiresAdminApproval {
		return fmt.Errorf("admin_approved set on a transaction that does not require approval")
	}
	if t.RequiresOTP && t.Kind != KindWalletCashout {
		return fmt.Errorf("otp is only valid for %s", KindWalletCashout)
	}
	if t.RelatedEntityCount() > 1 {
		return fmt.Errorf("at most one of escrow_id, cashout_id, exchange_order_id may be set")
	}
	if t.RiskScore < 0 || t.RiskScore > 1 {
		return fmt.Errorf("risk_score must be within [0, 1]")
	}
	if !StatusLegalForKind(t.Kind, t.Status) {
		return fmt.Errorf("status %s is not legal for kind %s", t.Status, t.Kind)
	}
	return nil
}

// StatusHistoryEntry is the append-only audit record written for every
// accepted transition. Entries are never mutated or deleted.
type StatusHistoryEntry struct {
	ID            int64                  `json:"-"`
	TransactionID string                 `json:"transaction_id"`
	FromStatus    string                 `json:"from_status"`
	ToStatus      string                 `json:"to_status"`
	Reason        string                 `json:"reason"`
	ActorType     string                 `json:"actor_type"`
	ActorID       string                 `json:"actor_id"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
	ChangedAt     time.Time              `json:"changed_at"`
	DurationMs    int64                  `json:"duration_ms"`
}

// Retry attempt outcomes.
const (
	RetryOutcomeSuccess     = "success"
	RetryOutcomeFailed      = "failed"
	RetryOutcomeRescheduled = "rescheduled"
	RetryOutcomeAbandoned   = "abandoned"
	RetryOutcomeEscalated   = "escalated"
)

// RetryLogEntry is written before each retry attempt executes and updated
// with the outcome afterwards, so a crash mid-attempt stays visible.
type RetryLogEntry struct {
	ID            int64       `json:"-"`
	TransactionID string      `json:"transaction_id"`
	Attempt       int         `json:"attempt"`
	ErrorCode     string      `json:"error_code"`
	ErrorMessage  string      `json:"error_message"`
	FailureType   FailureType `json:"failure_type"`
	BaseDelay     int64       `json:"base_delay_sec"`
	Multiplier    float64     `json:"backoff_multiplier"`
	ScheduledFor  time.Time   `json:"scheduled_for"`
	AttemptedAt   *time.Time  `json:"attempted_at,omitempty"`
	Outcome       string      `json:"outcome"`
}

// DistributedLock is the table-backed mutual exclusion primitive. The unique
// constraint on LockName is the only thing providing atomicity.
type DistributedLock struct {
	LockName   string    `json:"lock_name"`
	OwnerToken string    `json:"owner_token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsActive   bool      `json:"is_active"`
}

// Idempotency token states.
const (
	IdempotencyProcessing = "processing"
	IdempotencyCompleted  = "completed"
	IdempotencyFailed     = "failed"
)

// IdempotencyToken guards an operation so it executes at most once per key.
type IdempotencyToken struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OperationType  string          `json:"operation_type"`
	ResourceID     string          `json:"resource_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// IdempotencyState is the caller-visible outcome of BeginIdempotent.
type IdempotencyState string

const (
	IdempotencyStarted          IdempotencyState = "started"
	IdempotencyInProgress       IdempotencyState = "in_progress"
	IdempotencyAlreadyCompleted IdempotencyState = "already_completed"
	IdempotencyPriorFailure     IdempotencyState = "prior_failure"
)

// IdempotencyOutcome carries the state plus the cached result when a prior
// execution already completed.
type IdempotencyOutcome struct {
	State  IdempotencyState `json:"state"`
	Result json.RawMessage  `json:"result,omitempty"`
}

// Wallet holds a party's available and held funds in one currency. Fund
// movements mutate wallets inside the same database transaction that applies
// the status transition.
type Wallet struct {
	ID        int64           `json:"-"`
	WalletID  string          `json:"wallet_id"`
	OwnerID   string          `json:"owner_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	CreatedAt time.Time       `json:"created_at"`
}

// Alert levels raised by the balance threshold guard, ordered by severity.
const (
	AlertLevelWarning   = "warning"
	AlertLevelCritical  = "critical"
	AlertLevelEmergency = "emergency"
	AlertLevelBlocked   = "blocked"
)

// BalanceAlertState rate-limits operator alerts per (provider, currency,
// level).
type BalanceAlertState struct {
	Provider      string    `json:"provider"`
	Currency      string    `json:"currency"`
	AlertLevel    string    `json:"alert_level"`
	LastAlertTime time.Time `json:"last_alert_time"`
	AlertCount    int       `json:"alert_count"`
}

// ProviderBalance is the liquidity we track per external payment provider
// and currency.
type ProviderBalance struct {
	Provider  string          `json:"provider"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Escalation is the operator-visible record written when a transaction
// exhausts its retries.
type Escalation struct {
	ID            int64     `json:"-"`
	TransactionID string    `json:"transaction_id"`
	Reason        string    `json:"reason"`
	LastErrorCode string    `json:"last_error_code"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
}
