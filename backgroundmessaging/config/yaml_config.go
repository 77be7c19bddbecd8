package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlAPNSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	KeyID       string `yaml:"key_id"`
	TeamID      string `yaml:"team_id"`
	BundleID    string `yaml:"bundle_id"`
	Development bool   `yaml:"development"`
}

type YamlInterpreterConfig struct {
	ScriptDir        string `yaml:"script_dir"`
	ExecutionTimeout string `yaml:"execution_timeout"`
}

type YamlDispatcherConfig struct {
	WaitTimeout string `yaml:"wait_timeout"`
	EntryPoint  string `yaml:"entry_point"`
	Handler     string `yaml:"handler"`
}

// YamlConfig mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                `yaml:"project_id"`
	ListenAddr             string                `yaml:"listen_addr"`
	AppID                  string                `yaml:"app_id"`
	TopicID                string                `yaml:"topic_id"`
	SubscriptionID         string                `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                   `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig        `yaml:"cors"`
	RedisConfig            YamlRedisConfig       `yaml:"redis"`
	VapidConfig            YamlVapidConfig       `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig        `yaml:"apns"`
	Interpreter            YamlInterpreterConfig `yaml:"interpreter"`
	Dispatcher             YamlDispatcherConfig  `yaml:"dispatcher"`
	HandleCacheTTL         string                `yaml:"handle_cache_ttl"`
	MessageTTL             string                `yaml:"message_ttl"`
}

// NewConfigFromYaml converts the YamlConfig into a base Config. Durations
// use Go syntax ("30s", "24h"); empty means default.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		AppID:                  baseCfg.AppID,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		// The P8 key is a secret and only ever arrives through the environment.
		APNS: APNSConfig{
			Enabled:     baseCfg.APNSConfig.Enabled,
			KeyID:       baseCfg.APNSConfig.KeyID,
			TeamID:      baseCfg.APNSConfig.TeamID,
			BundleID:    baseCfg.APNSConfig.BundleID,
			Development: baseCfg.APNSConfig.Development,
		},
		Interpreter: InterpreterConfig{
			ScriptDir: baseCfg.Interpreter.ScriptDir,
		},
		Dispatcher: DispatcherConfig{
			EntryPoint: baseCfg.Dispatcher.EntryPoint,
			Handler:    baseCfg.Dispatcher.Handler,
		},
	}

	durations := []struct {
		key  string
		raw  string
		dest *time.Duration
	}{
		{"interpreter.execution_timeout", baseCfg.Interpreter.ExecutionTimeout, &cfg.Interpreter.ExecutionTimeout},
		{"dispatcher.wait_timeout", baseCfg.Dispatcher.WaitTimeout, &cfg.Dispatcher.WaitTimeout},
		{"handle_cache_ttl", baseCfg.HandleCacheTTL, &cfg.HandleCacheTTL},
		{"message_ttl", baseCfg.MessageTTL, &cfg.MessageTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dest = parsed
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"app_id", cfg.AppID,
		"subscription_id", cfg.SubscriptionID,
	)
	return cfg, nil
}
