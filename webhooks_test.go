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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/model"
)

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: mr.Addr(),
		},
		Queue: config.QueueConfig{WebhookQueue: "settle:webhook"},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: "https:localhost:5001/webhook", Headers: nil})},
	}

	config.ConfigStore.Store(mockConfig)
	testData := NewWebhook{
		Event:   "transaction.pending",
		Payload: &model.Transaction{TransactionID: "txn_1", Status: model.StatusPending},
	}

	err = SendWebhook(testData)
	assert.NoError(t, err)

	// Verify that the task was enqueued
	tasks := mr.Keys()
	t.Log(tasks)
	assert.NotEmpty(t, tasks)
}

func TestSendWebhook_NoEndpointConfigured(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	config.ConfigStore.Store(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{WebhookQueue: "settle:webhook"},
	})

	err = SendWebhook(NewWebhook{Event: "transaction.pending"})
	assert.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestProcessWebhook_DeliversToEndpoint(t *testing.T) {
	received := make(chan NewWebhook, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload NewWebhook
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config.ConfigStore.Store(&config.Configuration{
		Redis: config.RedisConfig{Dns: "localhost:6379"},
		Queue: config.QueueConfig{WebhookQueue: "settle:webhook"},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: server.URL, Headers: map[string]string{"X-Source": "settle"}})},
	})

	payload, err := json.Marshal(NewWebhook{Event: "transaction.success", Payload: map[string]interface{}{"id": "txn_1"}})
	assert.NoError(t, err)
	task := asynq.NewTask("settle:webhook", payload)

	assert.NoError(t, ProcessWebhook(context.Background(), task))

	delivered := <-received
	assert.Equal(t, "transaction.success", delivered.Event)
}

func TestGetEventFromStatus(t *testing.T) {
	assert.Equal(t, "transaction.success", getEventFromStatus(model.StatusSuccess))
	assert.Equal(t, "transaction.awaiting_response", getEventFromStatus(model.StatusAwaitingResponse))
	assert.Equal(t, "transaction.unknown", getEventFromStatus(""))
}
