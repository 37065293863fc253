package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Queue.RetryQueue != "settle:retry" || cnf.Queue.ExpiryQueue != "settle:expiry" || cnf.Queue.WebhookQueue != "settle:webhook" {
		t.Errorf("Expected default queue names, got %+v", cnf.Queue)
	}
	if cnf.Retry.MaxRetries != 3 || cnf.Retry.BaseDelay != 60 || cnf.Retry.MaxDelay != 3600 || cnf.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("Expected default retry policy, got %+v", cnf.Retry)
	}
	if cnf.DualWrite.Mode != DualWriteUnifiedOnly {
		t.Errorf("Expected default dual-write mode %s, got %s", DualWriteUnifiedOnly, cnf.DualWrite.Mode)
	}
	if cnf.BalanceGuard.AlertCooldownSec != 900 {
		t.Errorf("Expected default alert cooldown 900, got %d", cnf.BalanceGuard.AlertCooldownSec)
	}
	if cnf.Timeouts.PaymentTimeoutMin != 30 || cnf.Timeouts.ProcessingTimeoutMin != 60 || cnf.Timeouts.AutoExpireHours != 24 {
		t.Errorf("Expected default timeouts, got %+v", cnf.Timeouts)
	}
}

func TestValidateAndAddDefaults_RejectsUnknownDualWriteMode(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		DualWrite:  DualWriteConfig{Mode: "both_primary"},
	}
	err := cnf.validateAndAddDefaults()
	if err == nil {
		t.Error("Expected an error for an unknown dual-write mode")
	}
}

func TestValidateAndAddDefaults_RateLimit(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.RateLimit.Burst == nil || *cnf.RateLimit.Burst != 20 {
		t.Errorf("Expected derived burst of 20, got %v", cnf.RateLimit.Burst)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil || *cnf.RateLimit.CleanupIntervalSec != 10800 {
		t.Errorf("Expected default cleanup interval 10800, got %v", cnf.RateLimit.CleanupIntervalSec)
	}
}

func TestInitConfig_LoadsFromFile(t *testing.T) {
	cnf := Configuration{
		ProjectName: "Settle Test",
		DataSource:  DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
		Retry:       RetryConfig{MaxRetries: 5},
	}
	data, err := json.Marshal(cnf)
	if err != nil {
		t.Fatalf("Error marshaling config: %v", err)
	}

	f, err := os.CreateTemp(t.TempDir(), "settle*.json")
	if err != nil {
		t.Fatalf("Error creating temp config: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Error writing temp config: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Error closing temp config: %v", err)
	}

	if err := InitConfig(f.Name()); err != nil {
		t.Fatalf("Expected config to load, got %v", err)
	}
	loaded, err := Fetch()
	if err != nil {
		t.Fatalf("Expected config to fetch, got %v", err)
	}
	if loaded.ProjectName != "Settle Test" {
		t.Errorf("Expected project name to survive the round trip, got %s", loaded.ProjectName)
	}
	if loaded.Retry.MaxRetries != 5 {
		t.Errorf("Expected configured max retries 5, got %d", loaded.Retry.MaxRetries)
	}
}
