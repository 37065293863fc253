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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/assert"
)

func TestAcquireLock_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectQuery("INSERT INTO settle.distributed_locks").
		WithArgs("expiry_sweep", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"lock_name", "owner_token", "acquired_at", "expires_at", "is_active"}).
			AddRow("expiry_sweep", "loc_abc", now, now.Add(2*time.Minute), true))

	lock, err := ds.AcquireLock(context.Background(), "expiry_sweep", 2*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, "expiry_sweep", lock.LockName)
	assert.Equal(t, "loc_abc", lock.OwnerToken)
	assert.True(t, lock.IsActive)
}

func TestAcquireLock_Held(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO settle.distributed_locks").
		WithArgs("expiry_sweep", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err = ds.AcquireLock(context.Background(), "expiry_sweep", 2*time.Minute)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrLockHeld, apiErr.Code)
}

func TestReleaseLock_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.distributed_locks").
		WithArgs("expiry_sweep", "loc_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.ReleaseLock(context.Background(), "expiry_sweep", "loc_abc"))
}

func TestReleaseLock_NotOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.distributed_locks").
		WithArgs("expiry_sweep", "loc_stale").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.ReleaseLock(context.Background(), "expiry_sweep", "loc_stale")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotOwner, apiErr.Code)
}

func TestBeginIdempotent_Started(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := ds.BeginIdempotent(context.Background(), "idk_1", "create_transaction", "txn_1", 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, model.IdempotencyStarted, outcome.State)
}

func TestBeginIdempotent_AlreadyCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectExec("INSERT INTO settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT idempotency_key, operation_type, resource_id, status, result, created_at, expires_at").
		WithArgs("idk_1").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "operation_type", "resource_id", "status", "result", "created_at", "expires_at"}).
			AddRow("idk_1", "create_transaction", "txn_1", model.IdempotencyCompleted, []byte(`{"id":"txn_1"}`), now, now.Add(time.Hour)))

	outcome, err := ds.BeginIdempotent(context.Background(), "idk_1", "create_transaction", "txn_1", 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, model.IdempotencyAlreadyCompleted, outcome.State)
	assert.JSONEq(t, `{"id":"txn_1"}`, string(outcome.Result))
}

func TestBeginIdempotent_InProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectExec("INSERT INTO settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT idempotency_key, operation_type, resource_id, status, result, created_at, expires_at").
		WithArgs("idk_1").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "operation_type", "resource_id", "status", "result", "created_at", "expires_at"}).
			AddRow("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, []byte(nil), now, now.Add(time.Hour)))

	outcome, err := ds.BeginIdempotent(context.Background(), "idk_1", "create_transaction", "txn_1", 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, model.IdempotencyInProgress, outcome.State)
}

func TestBeginIdempotent_TakesOverExpiredToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	stale := time.Now().Add(-time.Hour)
	mock.ExpectExec("INSERT INTO settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT idempotency_key, operation_type, resource_id, status, result, created_at, expires_at").
		WithArgs("idk_1").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "operation_type", "resource_id", "status", "result", "created_at", "expires_at"}).
			AddRow("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, []byte(nil), stale.Add(-time.Minute), stale))

	mock.ExpectExec("UPDATE settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg(), model.IdempotencyFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := ds.BeginIdempotent(context.Background(), "idk_1", "create_transaction", "txn_1", 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, model.IdempotencyStarted, outcome.State)
}

func TestBeginIdempotent_TakeoverRaceLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	stale := time.Now().Add(-time.Hour)
	mock.ExpectExec("INSERT INTO settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT idempotency_key, operation_type, resource_id, status, result, created_at, expires_at").
		WithArgs("idk_1").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "operation_type", "resource_id", "status", "result", "created_at", "expires_at"}).
			AddRow("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, []byte(nil), stale.Add(-time.Minute), stale))

	mock.ExpectExec("UPDATE settle.idempotency_tokens").
		WithArgs("idk_1", "create_transaction", "txn_1", model.IdempotencyProcessing, sqlmock.AnyArg(), sqlmock.AnyArg(), model.IdempotencyFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := ds.BeginIdempotent(context.Background(), "idk_1", "create_transaction", "txn_1", 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, model.IdempotencyInProgress, outcome.State)
}

func TestDeleteExpiredTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectExec("DELETE FROM settle.idempotency_tokens").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := ds.DeleteExpiredTokens(context.Background(), now)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}
