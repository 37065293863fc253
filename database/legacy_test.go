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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/assert"
)

func TestUpdateLegacyStatus_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.legacy_cashouts SET status").
		WithArgs("txn_1", model.StatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateLegacyStatus(context.Background(), model.KindWalletCashout, "txn_1", model.StatusProcessing)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLegacyStatus_MissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// No legacy counterpart yet; the caller falls back to a full upsert.
	mock.ExpectExec("UPDATE settle.legacy_escrows SET status").
		WithArgs("txn_1", model.StatusFundsHeld, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateLegacyStatus(context.Background(), model.KindEscrow, "txn_1", model.StatusFundsHeld)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestSyncTransactionFromLegacy(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rec := &model.LegacyRecord{
		TransactionID: "txn_1",
		Kind:          model.KindWalletCashout,
		OwnerID:       "own_1",
		Status:        model.StatusPending,
		Amount:        decimal.NewFromInt(100),
		Currency:      "USD",
		Destination:   "acct_99",
		Description:   "March payout",
	}

	mock.ExpectExec("UPDATE settle.transactions").
		WithArgs("txn_1", model.StatusPending, "own_1", "100", "USD", "acct_99", "March payout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.SyncTransactionFromLegacy(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncTransactionFromLegacy_MissingTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.SyncTransactionFromLegacy(context.Background(), &model.LegacyRecord{
		TransactionID: "txn_missing",
		Kind:          model.KindWalletCashout,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
