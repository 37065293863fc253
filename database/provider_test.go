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
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/assert"
)

func TestTouchAlertState_DispatchedResetsCooldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec(`ON CONFLICT \(provider, currency, alert_level\) DO UPDATE\s+SET last_alert_time`).
		WithArgs("provider_a", "USD", model.AlertLevelWarning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.TouchAlertState(context.Background(), "provider_a", "USD", model.AlertLevelWarning, true, time.Now())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchAlertState_SuppressedIncrementsCountOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// The suppressed variant must not move last_alert_time, or the cooldown
	// window would keep sliding and the alert would never re-fire.
	mock.ExpectExec(`ON CONFLICT \(provider, currency, alert_level\) DO UPDATE\s+SET alert_count`).
		WithArgs("provider_a", "USD", model.AlertLevelWarning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.TouchAlertState(context.Background(), "provider_a", "USD", model.AlertLevelWarning, false, time.Now())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
