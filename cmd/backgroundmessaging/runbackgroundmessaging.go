package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-background-messaging/internal/dispatcher"
	"github.com/tinywideclouds/go-background-messaging/internal/interpreter"
	"github.com/tinywideclouds/go-background-messaging/internal/platform"
	"github.com/tinywideclouds/go-background-messaging/internal/platform/apns"
	"github.com/tinywideclouds/go-background-messaging/internal/platform/fcm"
	"github.com/tinywideclouds/go-background-messaging/internal/platform/web"
	"github.com/tinywideclouds/go-background-messaging/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-background-messaging/internal/storage/firestore"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"

	"github.com/tinywideclouds/go-background-messaging/backgroundmessaging"
	"github.com/tinywideclouds/go-background-messaging/backgroundmessaging/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-background-messaging")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Embedded yaml config is invalid", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Handle Store (Decorated) and Message Store ---
	firestoreHandles, err := fsStore.NewHandleStore(fsClient, cfg.AppID, logger)
	if err != nil {
		logger.Error("HandleStore failed", "err", err)
		os.Exit(1)
	}
	var handleStore delivery.HandleStore = firestoreHandles
	var messageStore delivery.MessageStore
	logger.Info("HandleStore initialized", "type", "firestore", "app_id", cfg.AppID)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		handleStore = cache.NewCachedHandleStore(handleStore, redisClient, cfg.AppID, cfg.HandleCacheTTL, logger)
		messageStore = cache.NewMessageStore(redisClient, cfg.MessageTTL)
		logger.Info("HandleStore upgraded", "type", "redis_cached_firestore")
	} else {
		logger.Warn("Redis disabled; notification messages will not be retained for lookup.")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT config discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Notifiers available to background handlers ---
	router, err := newNotifierRouter(ctx, cfg, logger)
	if err != nil {
		logger.Error("Notifier setup failed", "err", err)
		os.Exit(1)
	}

	// --- Dispatcher ---
	hostFactory := interpreter.Factory(
		interpreter.Config{ExecutionTimeout: cfg.Interpreter.ExecutionTimeout},
		interpreter.DirSource{Dir: cfg.Interpreter.ScriptDir},
		router,
		logger,
	)
	backgroundDispatcher, err := dispatcher.New(ctx, dispatcher.Config{WaitTimeout: cfg.Dispatcher.WaitTimeout}, hostFactory, handleStore, logger)
	if err != nil {
		logger.Error("Dispatcher creation failed", "err", err)
		os.Exit(1)
	}
	if err := seedHandles(ctx, backgroundDispatcher, cfg.Dispatcher, logger); err != nil {
		logger.Error("Failed to register configured handles", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := backgroundmessaging.New(
		cfg,
		consumer,
		backgroundDispatcher,
		messageStore,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Service shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// newNotifierRouter registers a notifier per platform that has credentials.
func newNotifierRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*platform.Router, error) {
	router := platform.NewRouter(logger)

	// A. Mobile (FCM)
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	router.Register(delivery.PlatformFCM, fcm.NewNotifier(fcmMessaging, logger))

	// B. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web push targets will fail.")
	} else {
		router.Register(delivery.PlatformWeb, web.NewNotifier(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
		}, logger))
		logger.Info("Web notifier enabled", "public_key", cfg.Vapid.PublicKey)
	}

	// C. Apple (APNs)
	if cfg.APNS.Enabled {
		apnsNotifier, err := apns.NewNotifier(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Development:  cfg.APNS.Development,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create APNs notifier: %w", err)
		}
		router.Register(delivery.PlatformAPNS, apnsNotifier)
		logger.Info("APNs notifier enabled", "bundle_id", cfg.APNS.BundleID, "development", cfg.APNS.Development)
	}

	return router, nil
}

// seedHandles registers handles from config only where none are stored yet.
func seedHandles(ctx context.Context, d *dispatcher.Dispatcher, cfg config.DispatcherConfig, logger *slog.Logger) error {
	current := d.Handles()
	if cfg.EntryPoint != "" && current.EntryPoint == "" {
		if err := d.RegisterDispatchEntryPoint(ctx, cfg.EntryPoint); err != nil {
			return err
		}
		logger.Info("Registered configured entry point", "entry_point", cfg.EntryPoint)
	}
	if cfg.Handler != "" && current.Handler == "" {
		if err := d.RegisterHandlerReference(ctx, cfg.Handler); err != nil {
			return err
		}
		logger.Info("Registered configured handler", "handler", cfg.Handler)
	}
	return nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	consumerCfg := *cfg.PubsubConsumerConfig
	consumerCfg.SubscriptionID = subConfig.Name
	return messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
}

type pubsubResource string

func convertPubsub(project, id string, kind pubsubResource) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
