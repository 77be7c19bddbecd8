// Package backgroundmessaging assembles the delivery receiver, the background
// dispatcher and the HTTP surface into one runnable service.
package backgroundmessaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-background-messaging/backgroundmessaging/config"
	"github.com/tinywideclouds/go-background-messaging/internal/api"
	"github.com/tinywideclouds/go-background-messaging/internal/dispatcher"
	"github.com/tinywideclouds/go-background-messaging/internal/listeners"
	"github.com/tinywideclouds/go-background-messaging/internal/pipeline"
	"github.com/tinywideclouds/go-background-messaging/internal/receiver"
	"github.com/tinywideclouds/go-background-messaging/internal/visibility"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[delivery.Event]
	dispatcher      *dispatcher.Dispatcher
	logger          *slog.Logger
}

// New assembles the service. messages may be nil, in which case inbound
// notifications are not retained and the message lookup route answers 404.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	backgroundDispatcher *dispatcher.Dispatcher,
	messages delivery.MessageStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	if backgroundDispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Foreground listeners
	tracker := visibility.NewTracker()
	bus := listeners.NewBus(logger)

	// 3. Receiver and processor
	deliveryReceiver := receiver.New(backgroundDispatcher, messages, tracker, bus, logger)
	processor := pipeline.NewProcessor(deliveryReceiver, logger)

	// 4. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.DeliveryEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 5. API
	backgroundAPI := api.NewBackgroundAPI(backgroundDispatcher, messages, tracker, bus, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Foreground listeners
	handle("GET /api/v1/events", backgroundAPI.Events)
	handle("POST /api/v1/visibility", backgroundAPI.SetVisibility)

	// Background handles and host control
	handle("POST /api/v1/handlers", backgroundAPI.RegisterHandles)
	handle("POST /api/v1/host/start", backgroundAPI.StartHost)
	handle("GET /api/v1/host/status", backgroundAPI.HostStatus)

	// Stored notifications
	handle("GET /api/v1/messages/{id}", backgroundAPI.GetMessage)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		dispatcher:      backgroundDispatcher,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then the dispatcher, so nothing is submitted to
// a closed dispatcher.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.dispatcher.Close(); err != nil {
		w.logger.Error("Dispatcher shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
