package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	DefaultListenAddr       = ":8080"
	DefaultScriptDir        = "scripts"
	DefaultWaitTimeout      = 30 * time.Second
	DefaultExecutionTimeout = 10 * time.Second
	DefaultHandleCacheTTL   = 24 * time.Hour
	DefaultMessageTTL       = 24 * time.Hour
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type APNSConfig struct {
	Enabled      bool
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Development  bool
}

// InterpreterConfig controls the embedded Lua host.
type InterpreterConfig struct {
	ScriptDir        string
	ExecutionTimeout time.Duration
}

// DispatcherConfig controls the background dispatcher and its default handles.
// EntryPoint and Handler seed registration on a fresh deployment; handles
// registered through the API take precedence.
type DispatcherConfig struct {
	WaitTimeout time.Duration
	EntryPoint  string
	Handler     string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	AppID                  string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig  middleware.CorsConfig
	Redis       RedisConfig
	Vapid       VapidConfig
	APNS        APNSConfig
	Interpreter InterpreterConfig
	Dispatcher  DispatcherConfig

	HandleCacheTTL time.Duration
	MessageTTL     time.Duration

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, validation and defaults.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}
	duration := func(key string, dest *time.Duration) {
		override(key, func(val string) {
			if d, err := time.ParseDuration(val); err == nil && d > 0 {
				*dest = d
			} else {
				logger.Warn("Ignoring invalid duration override", "key", key, "value", val)
			}
		})
	}

	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("APP_ID", func(v string) { cfg.AppID = v })
	override("TOPIC_ID", func(v string) { cfg.TopicID = v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })
	override("NUM_PIPELINE_WORKERS", func(v string) {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			cfg.NumPipelineWorkers = workers
		}
	})

	// Redis
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	override("REDIS_DB", func(v string) {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	})
	override("REDIS_ENABLED", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.Redis.Enabled = enabled
	})

	// VAPID
	override("VAPID_PUBLIC_KEY", func(v string) { cfg.Vapid.PublicKey = v })
	override("VAPID_PRIVATE_KEY", func(v string) { cfg.Vapid.PrivateKey = v })
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Vapid.SubscriberEmail = v })

	// APNs
	override("APNS_KEY_ID", func(v string) { cfg.APNS.KeyID = v })
	override("APNS_TEAM_ID", func(v string) { cfg.APNS.TeamID = v })
	override("APNS_BUNDLE_ID", func(v string) { cfg.APNS.BundleID = v })
	override("APNS_P8_KEY", func(v string) {
		cfg.APNS.P8KeyContent = v
		cfg.APNS.Enabled = true
	})
	override("APNS_DEVELOPMENT", func(v string) {
		dev, _ := strconv.ParseBool(v)
		cfg.APNS.Development = dev
	})

	// Interpreter and dispatcher
	override("SCRIPT_DIR", func(v string) { cfg.Interpreter.ScriptDir = v })
	duration("EXECUTION_TIMEOUT", &cfg.Interpreter.ExecutionTimeout)
	duration("DISPATCH_WAIT_TIMEOUT", &cfg.Dispatcher.WaitTimeout)
	override("DISPATCH_ENTRY_POINT", func(v string) { cfg.Dispatcher.EntryPoint = v })
	override("DISPATCH_HANDLER", func(v string) { cfg.Dispatcher.Handler = v })
	duration("HANDLE_CACHE_TTL", &cfg.HandleCacheTTL)
	duration("MESSAGE_TTL", &cfg.MessageTTL)

	// CORS
	override("CORS_ALLOWED_ORIGINS", func(v string) {
		var cleanOrigins []string
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	})

	// Final validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app_id is required (set via YAML or APP_ID env var)")
	}
	if cfg.APNS.Enabled && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "") {
		return nil, fmt.Errorf("apns key_id, team_id and bundle_id are required when apns is enabled")
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Interpreter.ScriptDir == "" {
		cfg.Interpreter.ScriptDir = DefaultScriptDir
	}
	if cfg.Interpreter.ExecutionTimeout <= 0 {
		cfg.Interpreter.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.Dispatcher.WaitTimeout <= 0 {
		cfg.Dispatcher.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.HandleCacheTTL <= 0 {
		cfg.HandleCacheTTL = DefaultHandleCacheTTL
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.PubsubConsumerConfig == nil {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
