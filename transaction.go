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
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/model"
)

var tracer = otel.Tracer("settle.engine")

const (
	transactionLockTTL  = 30 * time.Second
	transactionLockWait = 5 * time.Second
	idempotencyTTL      = 24 * time.Hour
	expirySweepLock     = "expiry_sweep"
	expirySweepBatch    = 500
)

// TransitionRequest carries one requested status change into the engine.
type TransitionRequest struct {
	TransactionID string
	ToStatus      string
	Reason        string
	ActorType     string
	ActorID       string
	ErrorCode     string
}

// CreateTransaction registers a new transaction in PENDING. When
// idempotencyKey is set the whole operation executes at most once per key;
// replays return the originally created transaction.
func (s *Settle) CreateTransaction(ctx context.Context, txn *model.Transaction, idempotencyKey string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Creating Transaction")
	defer span.End()

	if idempotencyKey == "" {
		return s.createTransaction(ctx, txn)
	}

	outcome, err := s.datasource.BeginIdempotent(ctx, idempotencyKey, "create_transaction", txn.OwnerID, idempotencyTTL)
	if err != nil {
		return nil, err
	}
	switch outcome.State {
	case model.IdempotencyAlreadyCompleted:
		cached := &model.Transaction{}
		if err := json.Unmarshal(outcome.Result, cached); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode cached result", err)
		}
		return cached, nil
	case model.IdempotencyInProgress:
		return nil, apierror.NewAPIError(apierror.ErrIdempotencyInProgress,
			fmt.Sprintf("operation with key '%s' is still in progress", idempotencyKey), nil)
	}

	created, err := s.createTransaction(ctx, txn)
	if err != nil {
		if failErr := s.datasource.FailIdempotent(ctx, idempotencyKey, err.Error()); failErr != nil {
			logrus.Error(failErr)
		}
		return nil, err
	}
	result, err := created.ToJSON()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to encode result", err)
	}
	if err := s.datasource.CompleteIdempotent(ctx, idempotencyKey, result); err != nil {
		logrus.Error(err)
	}
	return created, nil
}

func (s *Settle) createTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	txn.TransactionID = database.GenerateUUIDWithSuffix("txn")
	txn.Status = model.StatusPending
	txn.CreatedAt = now
	if txn.TotalAmount.IsZero() {
		txn.TotalAmount = txn.Amount.Add(txn.FeeAmount)
	}
	if txn.MaxRetries == 0 {
		txn.MaxRetries = cnf.Retry.MaxRetries
	}
	autoExpire := now.Add(time.Duration(cnf.Timeouts.AutoExpireHours) * time.Hour)
	txn.AutoExpireAt = &autoExpire
	if txn.Kind != model.KindWalletCashout {
		paymentDeadline := now.Add(time.Duration(cnf.Timeouts.PaymentTimeoutMin) * time.Minute)
		txn.PaymentTimeoutAt = &paymentDeadline
	}

	if err := txn.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	// Wallets must exist before a transition tries to lock them.
	if _, err := s.datasource.GetOrCreateWallet(ctx, txn.OwnerID, txn.Currency); err != nil {
		return nil, err
	}
	if txn.CounterpartyID != "" {
		if _, err := s.datasource.GetOrCreateWallet(ctx, txn.CounterpartyID, txn.Currency); err != nil {
			return nil, err
		}
	}

	created, err := s.datasource.RecordTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}

	s.dualWrite.MirrorCreate(ctx, created)

	if err := s.queue.QueueExpiry(ctx, created); err != nil {
		logrus.Errorf("failed to queue expiry for %s: %v", created.TransactionID, err)
	}
	go func() {
		if err := SendWebhook(NewWebhook{Event: "transaction.pending", Payload: created}); err != nil {
			logrus.Error(err)
		}
	}()
	return created, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Settle) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.datasource.GetTransaction(ctx, id)
}

// GetStatusHistory returns the append-only transition audit trail.
func (s *Settle) GetStatusHistory(ctx context.Context, id string) ([]model.StatusHistoryEntry, error) {
	return s.datasource.GetStatusHistory(ctx, id)
}

// TransitionStatus validates and applies one status change. The sequence is
// fixed: advisory lock, terminal check, transition table, gates, liquidity
// guard, then the atomic store transition. Re-requesting a transition that
// already happened returns the transaction unchanged.
func (s *Settle) TransitionStatus(ctx context.Context, req TransitionRequest) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Transitioning Transaction Status")
	defer span.End()

	locker := redlock.NewLocker(s.redis, fmt.Sprintf("lock:txn:%s", req.TransactionID), database.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, transactionLockTTL, transactionLockWait); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrLockHeld, err.Error(), err)
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.Error(err)
		}
	}()

	txn, err := s.datasource.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	if model.IsTerminal(txn.Status) {
		if txn.Status == req.ToStatus {
			return txn, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("transaction %s is %s, which is terminal", txn.TransactionID, txn.Status), nil)
	}
	// A retried request whose transition already landed carries nothing new
	// to validate; the store confirms it against the recorded history or
	// reports a genuine conflict.
	replay := txn.Status == req.ToStatus
	if !replay {
		if !model.CanTransition(txn.Kind, txn.Status, req.ToStatus) {
			return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
				fmt.Sprintf("cannot move %s transaction %s from %s to %s", txn.Kind, txn.TransactionID, txn.Status, req.ToStatus), nil)
		}
		if err := model.CheckGates(txn, req.ToStatus); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrGateNotSatisfied, err.Error(), err)
		}
		if req.ToStatus == model.StatusProcessing && txn.Provider != "" {
			if err := s.guard.EnsureLiquidity(ctx, txn.Provider, txn.Currency, txn.TotalAmount); err != nil {
				return nil, err
			}
		}
	}

	updated, err := s.datasource.ApplyTransition(ctx, database.ApplyTransitionParams{
		TransactionID: txn.TransactionID,
		FromStatus:    txn.Status,
		ToStatus:      req.ToStatus,
		Movement:      model.MovementForTransition(txn.Kind, txn.Status, req.ToStatus),
		Reason:        req.Reason,
		ActorType:     req.ActorType,
		ActorID:       req.ActorID,
		ErrorCode:     req.ErrorCode,
	})
	if err != nil {
		return nil, err
	}
	if replay {
		// The worker that applied the transition already mirrored it and
		// sent the webhook.
		return updated, nil
	}

	s.dualWrite.MirrorStatus(ctx, updated)

	go func() {
		if err := SendWebhook(NewWebhook{Event: getEventFromStatus(updated.Status), Payload: updated}); err != nil {
			logrus.Error(err)
		}
	}()
	return updated, nil
}

// VerifyOTP records a successful OTP check and advances the cashout past the
// gate.
func (s *Settle) VerifyOTP(ctx context.Context, id, actorID string) (*model.Transaction, error) {
	if err := s.datasource.MarkOTPVerified(ctx, id); err != nil {
		return nil, err
	}
	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	next := model.StatusProcessing
	if txn.RequiresAdminApproval && !txn.AdminApproved {
		next = model.StatusAdminPending
	}
	return s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: id,
		ToStatus:      next,
		Reason:        "otp verified",
		ActorType:     model.ActorUser,
		ActorID:       actorID,
	})
}

// ApproveTransaction records an admin approval and advances past the
// approval gate. Cashouts move to PROCESSING; escrows to FUNDS_HELD.
func (s *Settle) ApproveTransaction(ctx context.Context, id, adminID string) (*model.Transaction, error) {
	if err := s.datasource.MarkAdminApproved(ctx, id); err != nil {
		return nil, err
	}
	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	next := model.StatusProcessing
	if txn.Kind == model.KindEscrow {
		next = model.StatusFundsHeld
	}
	return s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: id,
		ToStatus:      next,
		Reason:        "admin approved",
		ActorType:     model.ActorAdmin,
		ActorID:       adminID,
	})
}

// ProcessExternalSettlement handles a provider callback for a transaction
// that is out with an external payment provider. A success settles the
// transaction and draws down the provider's tracked liquidity; a failure
// goes through retry classification.
func (s *Settle) ProcessExternalSettlement(ctx context.Context, id, providerRef string, success bool, errorCode, errorMessage string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Processing External Settlement")
	defer span.End()

	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != model.StatusProcessing && txn.Status != model.StatusAwaitingResponse {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("transaction %s is %s, not awaiting settlement", id, txn.Status), nil)
	}

	if success {
		updated, err := s.TransitionStatus(ctx, TransitionRequest{
			TransactionID: id,
			ToStatus:      model.StatusSuccess,
			Reason:        fmt.Sprintf("settled by provider, ref %s", providerRef),
			ActorType:     model.ActorExternal,
			ActorID:       txn.Provider,
		})
		if err != nil {
			return nil, err
		}
		if txn.Provider != "" {
			if err := s.datasource.AdjustProviderBalance(ctx, txn.Provider, txn.Currency, txn.TotalAmount.Neg()); err != nil {
				logrus.Error(err)
			}
		}
		return updated, nil
	}

	return s.retries.HandleFailure(ctx, s, txn, errorCode, errorMessage)
}

// ProcessInternalTransfer settles an exchange order through the internal
// ledger: debit on entering PROCESSING, credit on SUCCESS. Both legs go
// through the regular transition path so the audit trail stays complete.
func (s *Settle) ProcessInternalTransfer(ctx context.Context, id, actorID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Processing Internal Transfer")
	defer span.End()

	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Kind != model.KindExchangeSell && txn.Kind != model.KindExchangeBuy {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("transaction %s is a %s, not an exchange order", id, txn.Kind), nil)
	}

	if txn.Status == model.StatusPaymentConfirmed {
		if _, err := s.TransitionStatus(ctx, TransitionRequest{
			TransactionID: id,
			ToStatus:      model.StatusProcessing,
			Reason:        "internal transfer started",
			ActorType:     model.ActorSystem,
			ActorID:       actorID,
		}); err != nil {
			return nil, err
		}
	}

	return s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: id,
		ToStatus:      model.StatusSuccess,
		Reason:        "internal transfer settled",
		ActorType:     model.ActorSystem,
		ActorID:       actorID,
	})
}

// CancelTransaction cancels a transaction on behalf of a user or admin. The
// compensating fund movement (releasing any hold) rides on the transition.
func (s *Settle) CancelTransaction(ctx context.Context, id, actorType, actorID, reason string) (*model.Transaction, error) {
	if reason == "" {
		reason = "cancelled by " + actorType
	}
	return s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: id,
		ToStatus:      model.StatusCancelled,
		Reason:        reason,
		ActorType:     actorType,
		ActorID:       actorID,
	})
}

// ExpireTransaction moves one transaction whose deadline elapsed to EXPIRED.
// Safe to call on an already-terminal transaction.
func (s *Settle) ExpireTransaction(ctx context.Context, id string) error {
	txn, err := s.datasource.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminal(txn.Status) {
		return nil
	}
	if !model.CanTransition(txn.Kind, txn.Status, model.StatusExpired) {
		// Statuses with no expiry edge (e.g. PROCESSING) fail instead, so
		// funds held out with a provider are never silently dropped.
		_, err = s.TransitionStatus(ctx, TransitionRequest{
			TransactionID: id,
			ToStatus:      model.StatusFailed,
			Reason:        "deadline elapsed",
			ActorType:     model.ActorScheduler,
			ActorID:       expirySweepLock,
			ErrorCode:     "TIMEOUT",
		})
		return err
	}
	_, err = s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: id,
		ToStatus:      model.StatusExpired,
		Reason:        "deadline elapsed",
		ActorType:     model.ActorScheduler,
		ActorID:       expirySweepLock,
	})
	return err
}

// ExpireDueTransactions sweeps transactions past any deadline. The sweep
// runs under the table-backed lock so only one instance sweeps at a time;
// when the lock is held elsewhere the call returns without doing anything.
func (s *Settle) ExpireDueTransactions(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Expiring Due Transactions")
	defer span.End()

	lock, err := s.datasource.AcquireLock(ctx, expirySweepLock, 2*time.Minute)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrLockHeld) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := s.datasource.ReleaseLock(context.Background(), lock.LockName, lock.OwnerToken); err != nil {
			logrus.Error(err)
		}
	}()

	due, err := s.datasource.GetExpiredTransactions(ctx, time.Now(), expirySweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, txn := range due {
		if err := s.ExpireTransaction(ctx, txn.TransactionID); err != nil {
			logrus.Errorf("expiry sweep: %s: %v", txn.TransactionID, err)
			continue
		}
		expired++
	}

	if pruned, err := s.datasource.DeleteExpiredTokens(ctx, time.Now()); err != nil {
		logrus.Error(err)
	} else if pruned > 0 {
		logrus.Infof("expiry sweep pruned %d idempotency tokens", pruned)
	}
	return expired, nil
}
