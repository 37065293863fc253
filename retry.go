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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

const (
	retrySweepLock  = "retry_sweep"
	retrySweepBatch = 200
)

// userErrorCodes are provider error codes caused by the user's own account
// or input. They are never retried; the transaction fails and held funds go
// back. The set extends through config.Retry.UserErrorCodes.
var userErrorCodes = map[string]bool{
	"INVALID_ACCOUNT":      true,
	"ACCOUNT_BLOCKED":      true,
	"ACCOUNT_CLOSED":       true,
	"KYC_REQUIRED":         true,
	"LIMIT_EXCEEDED":       true,
	"RECIPIENT_REJECTED":   true,
	"INVALID_DESTINATION":  true,
	"COMPLIANCE_REJECTED":  true,
	"INSUFFICIENT_BALANCE": true,
}

// technicalErrorCodes are transient provider-side failures worth retrying.
var technicalErrorCodes = map[string]bool{
	"TIMEOUT":              true,
	"PROVIDER_UNAVAILABLE": true,
	"NETWORK_ERROR":        true,
	"RATE_LIMITED":         true,
	"INTERNAL_ERROR":       true,
	"GATEWAY_ERROR":        true,
}

// RetryScheduler classifies settlement failures and schedules retry
// attempts with capped exponential backoff.
type RetryScheduler struct {
	datasource database.IDataSource
	queue      *Queue

	// dispatch re-submits a transaction to its provider on a retry attempt.
	// The worker process wires the real provider client; the default only
	// logs, leaving settlement to the provider callback.
	dispatch func(ctx context.Context, txn *model.Transaction) error
}

func NewRetryScheduler(db database.IDataSource, queue *Queue) *RetryScheduler {
	return &RetryScheduler{
		datasource: db,
		queue:      queue,
		dispatch: func(_ context.Context, txn *model.Transaction) error {
			logrus.Infof("re-submitting transaction %s to provider %s", txn.TransactionID, txn.Provider)
			return nil
		},
	}
}

// SetDispatcher overrides how retry attempts reach the provider.
func (r *RetryScheduler) SetDispatcher(fn func(ctx context.Context, txn *model.Transaction) error) {
	r.dispatch = fn
}

// Classify maps a provider error code to a failure type. Codes listed in
// config extend the user set; anything unknown is treated as technical so it
// still gets retried, with a warning for the unrecognized code.
func Classify(errorCode string) model.FailureType {
	if userErrorCodes[errorCode] {
		return model.FailureUser
	}
	if cnf, err := config.Fetch(); err == nil {
		for _, code := range cnf.Retry.UserErrorCodes {
			if code == errorCode {
				return model.FailureUser
			}
		}
	}
	if !technicalErrorCodes[errorCode] {
		logrus.Warnf("unrecognized provider error code %q, treating as technical", errorCode)
	}
	return model.FailureTechnical
}

// NextDelay computes the delay before the given attempt (1-based). The
// sequence is deterministic: base, base*multiplier, base*multiplier^2, ...
// capped at the configured maximum.
func NextDelay(attempt int) time.Duration {
	cnf, err := config.Fetch()
	if err != nil {
		return time.Minute
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(cnf.Retry.BaseDelay) * time.Second
	policy.Multiplier = cnf.Retry.BackoffMultiplier
	policy.MaxInterval = time.Duration(cnf.Retry.MaxDelay) * time.Second
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// HandleFailure is the single entry point for a failed settlement attempt.
// User failures fail the transaction immediately, releasing any held funds.
// Technical failures are rescheduled until max retries, then escalated.
func (r *RetryScheduler) HandleFailure(ctx context.Context, s *Settle, txn *model.Transaction, errorCode, errorMessage string) (*model.Transaction, error) {
	failureType := Classify(errorCode)

	if failureType == model.FailureUser {
		if err := r.datasource.UpdateRetryBookkeeping(ctx, txn.TransactionID, txn.RetryCount, nil, model.FailureUser, errorCode); err != nil {
			return nil, err
		}
		return s.TransitionStatus(ctx, TransitionRequest{
			TransactionID: txn.TransactionID,
			ToStatus:      model.StatusFailed,
			Reason:        errorMessage,
			ActorType:     model.ActorSystem,
			ActorID:       "retry_scheduler",
			ErrorCode:     errorCode,
		})
	}

	attempt := txn.RetryCount + 1
	if attempt > txn.MaxRetries {
		return r.escalate(ctx, s, txn, errorCode, errorMessage)
	}

	delay := NextDelay(attempt)
	scheduledFor := time.Now().Add(delay)
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	// The attempt row goes in before anything else so a crash between here
	// and the enqueue stays visible in the log.
	if _, err := r.datasource.RecordRetryAttempt(ctx, &model.RetryLogEntry{
		TransactionID: txn.TransactionID,
		Attempt:       attempt,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		FailureType:   model.FailureTechnical,
		BaseDelay:     int64(cnf.Retry.BaseDelay),
		Multiplier:    cnf.Retry.BackoffMultiplier,
		ScheduledFor:  scheduledFor,
		Outcome:       model.RetryOutcomeRescheduled,
	}); err != nil {
		return nil, err
	}
	if err := r.datasource.UpdateRetryBookkeeping(ctx, txn.TransactionID, attempt, &scheduledFor, model.FailureTechnical, errorCode); err != nil {
		return nil, err
	}
	if err := r.queue.EnqueueRetry(ctx, txn.TransactionID, attempt, scheduledFor); err != nil {
		return nil, err
	}

	if txn.Status == model.StatusProcessing {
		return s.TransitionStatus(ctx, TransitionRequest{
			TransactionID: txn.TransactionID,
			ToStatus:      model.StatusAwaitingResponse,
			Reason:        errorMessage,
			ActorType:     model.ActorSystem,
			ActorID:       "retry_scheduler",
			ErrorCode:     errorCode,
		})
	}
	return r.datasource.GetTransaction(ctx, txn.TransactionID)
}

func (r *RetryScheduler) escalate(ctx context.Context, s *Settle, txn *model.Transaction, errorCode, errorMessage string) (*model.Transaction, error) {
	esc := &model.Escalation{
		TransactionID: txn.TransactionID,
		Reason:        "retries exhausted: " + errorMessage,
		LastErrorCode: errorCode,
		RetryCount:    txn.RetryCount,
		CreatedAt:     time.Now(),
	}
	if err := r.datasource.RecordEscalation(ctx, esc); err != nil {
		return nil, err
	}
	if err := r.datasource.UpdateRetryBookkeeping(ctx, txn.TransactionID, txn.RetryCount, nil, model.FailureTechnical, errorCode); err != nil {
		return nil, err
	}

	go func() {
		if err := SendWebhook(NewWebhook{Event: "operator.alert", Payload: esc}); err != nil {
			logrus.Error(err)
		}
	}()

	return s.TransitionStatus(ctx, TransitionRequest{
		TransactionID: txn.TransactionID,
		ToStatus:      model.StatusFailed,
		Reason:        "retries exhausted",
		ActorType:     model.ActorSystem,
		ActorID:       "retry_scheduler",
		ErrorCode:     errorCode,
	})
}

// SweepDueRetries re-enqueues retry attempts whose scheduled task never
// fired, e.g. the process died between the bookkeeping write and the
// enqueue, or the queue lost the task. Coordinates through the table-backed
// lock so running it on every worker is safe.
func (r *RetryScheduler) SweepDueRetries(ctx context.Context) (int, error) {
	lock, err := r.datasource.AcquireLock(ctx, retrySweepLock, 2*time.Minute)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrLockHeld) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := r.datasource.ReleaseLock(context.Background(), lock.LockName, lock.OwnerToken); err != nil {
			logrus.Error(err)
		}
	}()

	due, err := r.datasource.GetDueRetries(ctx, time.Now(), retrySweepBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, txn := range due {
		err := r.queue.EnqueueRetry(ctx, txn.TransactionID, txn.RetryCount, time.Now())
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// The original task is still queued; asynq will deliver it.
			continue
		}
		if err != nil {
			logrus.Errorf("retry sweep: %s: %v", txn.TransactionID, err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// ProcessRetry is the asynq handler for a due retry attempt. It re-submits
// the transaction to its provider; the provider callback decides the final
// outcome.
func (r *RetryScheduler) ProcessRetry(s *Settle) func(ctx context.Context, task *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload RetryTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logrus.Errorf("Error unmarshaling retry payload: %v", err)
			return err
		}

		txn, err := r.datasource.GetTransaction(ctx, payload.TransactionID)
		if err != nil {
			return err
		}
		now := time.Now()
		if model.IsTerminal(txn.Status) {
			return r.datasource.UpdateRetryOutcome(ctx, payload.TransactionID, payload.Attempt, model.RetryOutcomeAbandoned, now)
		}

		if err := r.dispatch(ctx, txn); err != nil {
			if uErr := r.datasource.UpdateRetryOutcome(ctx, payload.TransactionID, payload.Attempt, model.RetryOutcomeFailed, now); uErr != nil {
				logrus.Error(uErr)
			}
			_, hErr := r.HandleFailure(ctx, s, txn, "PROVIDER_UNAVAILABLE", err.Error())
			return hErr
		}
		return r.datasource.UpdateRetryOutcome(ctx, payload.TransactionID, payload.Attempt, model.RetryOutcomeSuccess, now)
	}
}
