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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
)

// Settle is the transaction coordination engine. Every status change on a
// transaction of any kind flows through it.
type Settle struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	guard      *BalanceGuard
	dualWrite  *DualWriteAdapter
	retries    *RetryScheduler
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewSettle initializes the engine with the provided datasource. It fetches
// the configuration and wires up Redis, the task queue, the balance guard,
// the dual-write adapter and the retry scheduler.
func NewSettle(db database.IDataSource) (*Settle, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	s := &Settle{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
	}
	s.guard = NewBalanceGuard(db, configuration)
	s.dualWrite = NewDualWriteAdapter(db)
	s.retries = NewRetryScheduler(db, newQueue)
	return s, nil
}

// Guard exposes the balance threshold guard for API handlers.
func (s *Settle) Guard() *BalanceGuard {
	return s.guard
}

// DualWrite exposes the migration adapter for API handlers.
func (s *Settle) DualWrite() *DualWriteAdapter {
	return s.dualWrite
}

// Retries exposes the retry scheduler for the worker process.
func (s *Settle) Retries() *RetryScheduler {
	return s.retries
}
