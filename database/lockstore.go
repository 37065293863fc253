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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// AcquireLock takes the named table-backed lock, stealing it when the
// current holder's lease has expired. The unique constraint on lock_name is
// the only source of atomicity; the insert-or-steal either returns the new
// lease row or nothing.
func (d Datasource) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*model.DistributedLock, error) {
	now := time.Now()
	lock := &model.DistributedLock{
		LockName:   name,
		OwnerToken: GenerateUUIDWithSuffix("loc"),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
	}

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO settle.distributed_locks(lock_name, owner_token, acquired_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,true)
		ON CONFLICT (lock_name) DO UPDATE
		SET owner_token = EXCLUDED.owner_token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at,
			is_active = true
		WHERE settle.distributed_locks.is_active = false
		   OR settle.distributed_locks.expires_at < EXCLUDED.acquired_at
		RETURNING lock_name, owner_token, acquired_at, expires_at, is_active
	`, lock.LockName, lock.OwnerToken, lock.AcquiredAt, lock.ExpiresAt)

	err := row.Scan(&lock.LockName, &lock.OwnerToken, &lock.AcquiredAt, &lock.ExpiresAt, &lock.IsActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrLockHeld, fmt.Sprintf("lock '%s' is held by another owner", name), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire lock", err)
	}
	return lock, nil
}

// ReleaseLock releases the named lock only when ownerToken still matches, so
// a holder whose lease was stolen after expiry cannot release the new
// holder's lock.
func (d Datasource) ReleaseLock(ctx context.Context, name, ownerToken string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.distributed_locks
		SET is_active = false
		WHERE lock_name = $1 AND owner_token = $2 AND is_active = true
	`, name, ownerToken)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release lock", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release lock", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotOwner, fmt.Sprintf("lock '%s' is not held by this owner", name), nil)
	}
	return nil
}

// BeginIdempotent reserves the idempotency key for one execution. The insert
// races against concurrent callers through the primary key on
// idempotency_key; exactly one caller gets IdempotencyStarted.
func (d Datasource) BeginIdempotent(ctx context.Context, key, operationType, resourceID string, ttl time.Duration) (*model.IdempotencyOutcome, error) {
	now := time.Now()
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.idempotency_tokens(idempotency_key, operation_type, resource_id, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, operationType, resourceID, model.IdempotencyProcessing, now, now.Add(ttl))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve idempotency key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve idempotency key", err)
	}
	if affected == 1 {
		return &model.IdempotencyOutcome{State: model.IdempotencyStarted}, nil
	}

	token := &model.IdempotencyToken{}
	var resultJSON []byte
	err = d.Conn.QueryRowContext(ctx, `
		SELECT idempotency_key, operation_type, resource_id, status, result, created_at, expires_at
		FROM settle.idempotency_tokens WHERE idempotency_key = $1
	`, key).Scan(&token.IdempotencyKey, &token.OperationType, &token.ResourceID, &token.Status, &resultJSON, &token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read idempotency token", err)
	}

	switch token.Status {
	case model.IdempotencyCompleted:
		return &model.IdempotencyOutcome{State: model.IdempotencyAlreadyCompleted, Result: resultJSON}, nil
	case model.IdempotencyProcessing:
		if token.ExpiresAt.After(now) {
			return &model.IdempotencyOutcome{State: model.IdempotencyInProgress}, nil
		}
	}

	// Prior execution failed or its token expired mid-flight: take the key
	// over for a fresh run.
	takeover, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.idempotency_tokens
		SET operation_type = $2, resource_id = $3, status = $4, result = NULL, created_at = $5, expires_at = $6
		WHERE idempotency_key = $1 AND (status = $7 OR expires_at <= $5)
	`, key, operationType, resourceID, model.IdempotencyProcessing, now, now.Add(ttl), model.IdempotencyFailed)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to take over idempotency key", err)
	}
	taken, err := takeover.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to take over idempotency key", err)
	}
	if taken == 0 {
		// Lost the takeover race to another caller.
		return &model.IdempotencyOutcome{State: model.IdempotencyInProgress}, nil
	}
	if token.Status == model.IdempotencyFailed {
		return &model.IdempotencyOutcome{State: model.IdempotencyPriorFailure}, nil
	}
	return &model.IdempotencyOutcome{State: model.IdempotencyStarted}, nil
}

func (d Datasource) CompleteIdempotent(ctx context.Context, key string, result json.RawMessage) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.idempotency_tokens SET status = $2, result = $3 WHERE idempotency_key = $1
	`, key, model.IdempotencyCompleted, []byte(result))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete idempotency token", err)
	}
	return nil
}

func (d Datasource) FailIdempotent(ctx context.Context, key, errorMessage string) error {
	resultJSON, err := json.Marshal(map[string]string{"error": errorMessage})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal idempotency failure", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		UPDATE settle.idempotency_tokens SET status = $2, result = $3 WHERE idempotency_key = $1
	`, key, model.IdempotencyFailed, resultJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fail idempotency token", err)
	}
	return nil
}

// DeleteExpiredTokens prunes idempotency tokens past their expiry. Run from
// the expiry sweep worker.
func (d Datasource) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM settle.idempotency_tokens WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete expired tokens", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete expired tokens", err)
	}
	return affected, nil
}
