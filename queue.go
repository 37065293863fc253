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
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/blnkfinance/settle/config"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/blnkfinance/settle/model"
)

// Queue wraps the asynq client used to schedule retries, expiries and
// webhook deliveries.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// RetryTaskPayload is the body of a scheduled retry task.
type RetryTaskPayload struct {
	TransactionID string `json:"transaction_id"`
	Attempt       int    `json:"attempt"`
}

// NewQueue initializes a new Queue instance from the configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueRetry schedules one retry attempt to fire at the computed time. The
// task ID carries the attempt number so the same attempt cannot be enqueued
// twice.
func (q *Queue) EnqueueRetry(ctx context.Context, transactionID string, attempt int, at time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(RetryTaskPayload{TransactionID: transactionID, Attempt: attempt})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("retry_%s_%d", transactionID, attempt)),
		asynq.Queue(cfg.Queue.RetryQueue),
		asynq.ProcessIn(time.Until(at)),
	}
	task := asynq.NewTask(cfg.Queue.RetryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued retry %d for transaction: %s", attempt, transactionID)
	return nil
}

// queueExpiry schedules the auto-expire task for one transaction.
func (q *Queue) queueExpiry(transactionID string, expiresAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(transactionID)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("expiry_%s", transactionID)),
		asynq.Queue(cfg.Queue.ExpiryQueue),
		asynq.ProcessIn(time.Until(expiresAt)),
	}
	task := asynq.NewTask(cfg.Queue.ExpiryQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued expiry: %s", transactionID)
	return nil
}

// QueueExpiry schedules the auto-expire deadline for a transaction that has
// one. Separate from the expiry sweep so a single transaction expires on
// time even between sweeps.
func (q *Queue) QueueExpiry(_ context.Context, transaction *model.Transaction) error {
	if transaction.AutoExpireAt != nil {
		return q.queueExpiry(transaction.TransactionID, *transaction.AutoExpireAt)
	}
	return nil
}
