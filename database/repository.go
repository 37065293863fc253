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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blnkfinance/settle/model"
	"github.com/shopspring/decimal"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	transaction
	wallet
	lockStore
	retryStore
	providerStore
	legacyStore
}

// ApplyTransitionParams carries one validated transition into the store.
// Everything in it is applied as a single database transaction.
type ApplyTransitionParams struct {
	TransactionID string
	FromStatus    string
	ToStatus      string
	Movement      model.FundMovement
	Reason        string
	ActorType     string
	ActorID       string
	ErrorCode     string // recorded in history metadata for terminal failures
}

// transaction defines methods for the unified transaction ledger.
type transaction interface {
	RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ApplyTransition(ctx context.Context, params ApplyTransitionParams) (*model.Transaction, error)
	UpdateRetryBookkeeping(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time, failureType model.FailureType, lastErrorCode string) error
	MarkOTPVerified(ctx context.Context, id string) error
	MarkAdminApproved(ctx context.Context, id string) error
	MarkInconsistent(ctx context.Context, id string, inconsistent bool) error
	GetExpiredTransactions(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error)
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error)
	GetStatusHistory(ctx context.Context, transactionID string) ([]model.StatusHistoryEntry, error)
}

// wallet defines methods for owner wallets.
type wallet interface {
	GetOrCreateWallet(ctx context.Context, ownerID, currency string) (*model.Wallet, error)
	GetWallet(ctx context.Context, ownerID, currency string) (*model.Wallet, error)
}

// lockStore defines the table-backed distributed lock and idempotency
// primitives. The uniqueness constraints on lock_name and idempotency_key
// are the only sources of atomicity.
type lockStore interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*model.DistributedLock, error)
	ReleaseLock(ctx context.Context, name, ownerToken string) error
	BeginIdempotent(ctx context.Context, key, operationType, resourceID string, ttl time.Duration) (*model.IdempotencyOutcome, error)
	CompleteIdempotent(ctx context.Context, key string, result json.RawMessage) error
	FailIdempotent(ctx context.Context, key, errorMessage string) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// retryStore defines methods for the retry log and escalations.
type retryStore interface {
	RecordRetryAttempt(ctx context.Context, entry *model.RetryLogEntry) (*model.RetryLogEntry, error)
	UpdateRetryOutcome(ctx context.Context, transactionID string, attempt int, outcome string, attemptedAt time.Time) error
	GetRetryLog(ctx context.Context, transactionID string) ([]model.RetryLogEntry, error)
	RecordEscalation(ctx context.Context, esc *model.Escalation) error
}

// providerStore defines methods for provider liquidity and alert cooldowns.
type providerStore interface {
	GetProviderBalance(ctx context.Context, provider, currency string) (*model.ProviderBalance, error)
	AdjustProviderBalance(ctx context.Context, provider, currency string, delta decimal.Decimal) error
	GetAlertState(ctx context.Context, provider, currency, level string) (*model.BalanceAlertState, error)
	TouchAlertState(ctx context.Context, provider, currency, level string, dispatched bool, at time.Time) error
}

// legacyStore defines methods on the old per-kind tables used by the
// dual-write adapter during migration.
type legacyStore interface {
	UpsertLegacyRecord(ctx context.Context, rec *model.LegacyRecord) error
	GetLegacyRecord(ctx context.Context, kind model.TransactionKind, transactionID string) (*model.LegacyRecord, error)
	UpdateLegacyStatus(ctx context.Context, kind model.TransactionKind, transactionID, status string) error
	SyncTransactionFromLegacy(ctx context.Context, rec *model.LegacyRecord) error
}
