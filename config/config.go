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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

// Dual-write modes. Exactly one is active at a time, switched by operator
// configuration only.
const (
	DualWriteLegacyPrimary  = "legacy_primary"
	DualWriteUnifiedPrimary = "unified_primary"
	DualWriteUnifiedOnly    = "unified_only"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SETTLE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SETTLE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SETTLE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SETTLE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SETTLE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SETTLE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_REDIS_DNS"`
}

type QueueConfig struct {
	RetryQueue     string `json:"retry_queue" envconfig:"SETTLE_QUEUE_RETRY"`
	ExpiryQueue    string `json:"expiry_queue" envconfig:"SETTLE_QUEUE_EXPIRY"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"SETTLE_QUEUE_WEBHOOK"`
	MonitoringPort string `json:"monitoring_port" envconfig:"SETTLE_QUEUE_MONITORING_PORT"`
}

// RetryConfig drives the retry scheduler. Delays are seconds.
type RetryConfig struct {
	MaxRetries        int      `json:"max_retries" envconfig:"SETTLE_RETRY_MAX"`
	BaseDelay         int      `json:"base_delay" envconfig:"SETTLE_RETRY_BASE_DELAY"`
	MaxDelay          int      `json:"max_delay" envconfig:"SETTLE_RETRY_MAX_DELAY"`
	BackoffMultiplier float64  `json:"backoff_multiplier" envconfig:"SETTLE_RETRY_MULTIPLIER"`
	UserErrorCodes    []string `json:"user_error_codes"`
}

type DualWriteConfig struct {
	Mode string `json:"mode" envconfig:"SETTLE_DUAL_WRITE_MODE"`
}

// ProviderThreshold configures the liquidity base value for one
// (provider, currency) pair. Warning/critical/emergency/operational-minimum
// levels are derived from it.
type ProviderThreshold struct {
	Provider  string `json:"provider"`
	Currency  string `json:"currency"`
	BaseValue string `json:"base_value"`
}

type BalanceGuardConfig struct {
	Providers        []ProviderThreshold `json:"providers"`
	AlertCooldownSec int                 `json:"alert_cooldown_sec" envconfig:"SETTLE_ALERT_COOLDOWN_SEC"`
}

// TimeoutConfig sets the deadlines stamped onto new transactions. Minutes,
// except AutoExpireHours.
type TimeoutConfig struct {
	PaymentTimeoutMin    int `json:"payment_timeout_min" envconfig:"SETTLE_PAYMENT_TIMEOUT_MIN"`
	ProcessingTimeoutMin int `json:"processing_timeout_min" envconfig:"SETTLE_PROCESSING_TIMEOUT_MIN"`
	AutoExpireHours      int `json:"auto_expire_hours" envconfig:"SETTLE_AUTO_EXPIRE_HOURS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SETTLE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SETTLE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SETTLE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string             `json:"project_name" envconfig:"SETTLE_PROJECT_NAME"`
	EnableTelemetry bool               `json:"enable_telemetry" envconfig:"SETTLE_ENABLE_TELEMETRY"`
	Server          ServerConfig       `json:"server"`
	DataSource      DataSourceConfig   `json:"data_source"`
	Redis           RedisConfig        `json:"redis"`
	Queue           QueueConfig        `json:"queue"`
	Retry           RetryConfig        `json:"retry"`
	DualWrite       DualWriteConfig    `json:"dual_write"`
	BalanceGuard    BalanceGuardConfig `json:"balance_guard"`
	Timeouts        TimeoutConfig      `json:"timeouts"`
	Notification    Notification       `json:"notification"`
	RateLimit       RateLimitConfig    `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("settle", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called settle.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Settle Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.RetryQueue == "" {
		cnf.Queue.RetryQueue = "settle:retry"
	}
	if cnf.Queue.ExpiryQueue == "" {
		cnf.Queue.ExpiryQueue = "settle:expiry"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "settle:webhook"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5550"
	}

	if cnf.Retry.MaxRetries == 0 {
		cnf.Retry.MaxRetries = 3
	}
	if cnf.Retry.BaseDelay == 0 {
		cnf.Retry.BaseDelay = 60
	}
	if cnf.Retry.MaxDelay == 0 {
		cnf.Retry.MaxDelay = 3600
	}
	if cnf.Retry.BackoffMultiplier == 0 {
		cnf.Retry.BackoffMultiplier = 2.0
	}

	switch cnf.DualWrite.Mode {
	case DualWriteLegacyPrimary, DualWriteUnifiedPrimary, DualWriteUnifiedOnly:
	case "":
		cnf.DualWrite.Mode = DualWriteUnifiedOnly
	default:
		return errors.New("dual_write.mode must be legacy_primary, unified_primary or unified_only")
	}

	if cnf.BalanceGuard.AlertCooldownSec == 0 {
		cnf.BalanceGuard.AlertCooldownSec = 900
	}

	if cnf.Timeouts.PaymentTimeoutMin == 0 {
		cnf.Timeouts.PaymentTimeoutMin = 30
	}
	if cnf.Timeouts.ProcessingTimeoutMin == 0 {
		cnf.Timeouts.ProcessingTimeoutMin = 60
	}
	if cnf.Timeouts.AutoExpireHours == 0 {
		cnf.Timeouts.AutoExpireHours = 24
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		logrus.Error(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
