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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
)

const (
	expirySweepInterval = 5 * time.Minute
	retrySweepInterval  = time.Minute
)

// processExpiry handles a scheduled auto-expire task for one transaction.
func (s *settleInstance) processExpiry(ctx context.Context, t *asynq.Task) error {
	var txnID string
	if err := json.Unmarshal(t.Payload(), &txnID); err != nil {
		logrus.Error(err)
		return err
	}

	if err := s.settle.ExpireTransaction(ctx, txnID); err != nil {
		return err
	}

	logrus.Printf(" [*] Transaction Expired %s", txnID)
	return nil
}

// runExpirySweep periodically sweeps for transactions that slipped past
// their scheduled expiry task. The sweep itself coordinates through the
// table-backed lock, so running it on every worker is safe.
func runExpirySweep(ctx context.Context, s *settleInstance) {
	ticker := time.NewTicker(expirySweepInterval)
	go func() {
		for range ticker.C {
			n, err := s.settle.ExpireDueTransactions(ctx)
			if err != nil {
				logrus.Errorf("expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				logrus.Infof("expiry sweep expired %d transactions", n)
			}
		}
	}()
}

// runRetrySweep periodically re-enqueues retries whose scheduled task was
// lost between the bookkeeping write and the enqueue. Same coordination as
// the expiry sweep: the table-backed lock keeps it single-flight.
func runRetrySweep(ctx context.Context, s *settleInstance) {
	ticker := time.NewTicker(retrySweepInterval)
	go func() {
		for range ticker.C {
			n, err := s.settle.Retries().SweepDueRetries(ctx)
			if err != nil {
				logrus.Errorf("retry sweep: %v", err)
				continue
			}
			if n > 0 {
				logrus.Infof("retry sweep re-enqueued %d transactions", n)
			}
		}
	}()
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.RetryQueue] = 3
	queues[cfg.Queue.ExpiryQueue] = 3
	queues[cfg.Queue.WebhookQueue] = 3
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisOption.Addr,
			Password: redisOption.Password,
			DB:       redisOption.DB,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(s *settleInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.RetryQueue, s.settle.Retries().ProcessRetry(s.settle))
	mux.HandleFunc(cfg.Queue.ExpiryQueue, s.processExpiry)
	mux.HandleFunc(cfg.Queue.WebhookQueue, settle.ProcessWebhook)
}

// workerCommands defines the "workers" command. Workers consume the retry,
// expiry and webhook queues and run the periodic expiry sweep.
func workerCommands(s *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start settle workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(s, mux)

			runExpirySweep(ctx, s)
			runRetrySweep(ctx, s)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:     redisOption.Addr,
					Password: redisOption.Password,
					DB:       redisOption.DB,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
