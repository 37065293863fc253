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

package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	mock.ExpectSetNX("lock:txn:txn_1", "loc_abc", 30*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 30*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	mock.ExpectSetNX("lock:txn:txn_1", "loc_abc", 30*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 30*time.Second)
	assert.EqualError(t, err, "lock for key lock:txn:txn_1 is already held")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"lock:txn:txn_1"}, "loc_abc").SetVal(int64(1))

	err := locker.Unlock(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_NotHolder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"lock:txn:txn_1"}, "loc_abc").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key lock:txn:txn_1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_AcquiresAfterRetry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	mock.ExpectSetNX("lock:txn:txn_1", "loc_abc", 30*time.Second).SetVal(false)
	mock.ExpectSetNX("lock:txn:txn_1", "loc_abc", 30*time.Second).SetVal(true)

	err := locker.WaitLock(context.Background(), 30*time.Second, 2*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_TimesOut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "lock:txn:txn_1", "loc_abc")

	// The lock never frees up within the wait window.
	for i := 0; i < 64; i++ {
		mock.ExpectSetNX("lock:txn:txn_1", "loc_abc", 30*time.Second).SetVal(false)
	}

	err := locker.WaitLock(context.Background(), 30*time.Second, 200*time.Millisecond)
	assert.EqualError(t, err, "failed to acquire lock for key lock:txn:txn_1 within the wait timeout")
}
