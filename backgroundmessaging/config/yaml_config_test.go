package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-background-messaging/backgroundmessaging/config"
)

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		raw := []byte(`
project_id: yaml-project
listen_addr: ":9000"
app_id: yaml-app
topic_id: yaml-topic
subscription_id: yaml-subscription
subscription_dlq_topic_id: yaml-dlq
num_pipeline_workers: 5
cors:
  allowed_origins: ["http://yaml.com"]
  role: editor
vapid:
  public_key: yaml-public-key
  private_key: yaml-private-key
  subscriber_email: yaml@test.com
apns:
  enabled: true
  key_id: KEY
  team_id: TEAM
  bundle_id: com.example.app
interpreter:
  script_dir: ./scripts
  execution_timeout: 3s
dispatcher:
  wait_timeout: 20s
  entry_point: main.lua
  handler: on_background_message
message_ttl: 2h
`)
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal(raw, &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "yaml-app", cfg.AppID)
		assert.Equal(t, "yaml-topic", cfg.TopicID)
		assert.Equal(t, "yaml-subscription", cfg.SubscriptionID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)

		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		assert.Equal(t, "yaml-public-key", cfg.Vapid.PublicKey)
		assert.Equal(t, "yaml-private-key", cfg.Vapid.PrivateKey)
		assert.Equal(t, "yaml@test.com", cfg.Vapid.SubscriberEmail)

		assert.True(t, cfg.APNS.Enabled)
		assert.Equal(t, "com.example.app", cfg.APNS.BundleID)
		assert.Empty(t, cfg.APNS.P8KeyContent)

		assert.Equal(t, "./scripts", cfg.Interpreter.ScriptDir)
		assert.Equal(t, 3*time.Second, cfg.Interpreter.ExecutionTimeout)
		assert.Equal(t, 20*time.Second, cfg.Dispatcher.WaitTimeout)
		assert.Equal(t, "main.lua", cfg.Dispatcher.EntryPoint)
		assert.Equal(t, "on_background_message", cfg.Dispatcher.Handler)
		assert.Equal(t, 2*time.Hour, cfg.MessageTTL)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Invalid duration is rejected", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{Dispatcher: config.YamlDispatcherConfig{WaitTimeout: "forever"}}
		_, err := config.NewConfigFromYaml(yamlCfg, logger)
		assert.Error(t, err)
	})

	t.Run("No subscription leaves consumer config unset", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{ProjectID: "p"}, logger)
		require.NoError(t, err)
		assert.Nil(t, cfg.PubsubConsumerConfig)
	})
}
