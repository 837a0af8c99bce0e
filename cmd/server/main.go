package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-sales-quotes/internal/client"
	"github.com/pesio-ai/be-sales-quotes/internal/handler"
	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/internal/repository/memstore"
	"github.com/pesio-ai/be-sales-quotes/internal/scheduler"
	"github.com/pesio-ai/be-sales-quotes/internal/service"
	"github.com/pesio-ai/be-sales-quotes/pkg/config"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
	"github.com/pesio-ai/be-sales-quotes/pkg/middleware"
	"github.com/pesio-ai/be-sales-quotes/pkg/tracing"
)

const eventStream = "QUOTES"

// backend is satisfied by both the Postgres store and the in-memory store.
type backend interface {
	service.QuoteStore
	service.ApprovalStore
	service.StockStore
	service.DeliveryStore
	service.TokenStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Service.Store).
		Msg("Starting Quotes Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Register()

	// Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize store
	var store backend
	var probe func(context.Context) error
	switch cfg.Service.Store {
	case "memory":
		store = memstore.New()
		log.Warn().Msg("Using in-memory store, data is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.Migrate {
			if err := repository.Migrate(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply database schema")
			}
			log.Info().Msg("Database schema applied")
		}
		store = repository.NewStore(db)
		probe = db.Ping
	}

	clock := service.SystemClock{}

	// View dedupe window
	var deduper service.ViewDeduper = client.NewMemoryViewDeduper(clock.Now)
	if cfg.Redis.Addr != "" {
		rdb, err := client.InitRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, deduplicating views in memory")
		} else {
			defer rdb.Close()
			deduper = client.NewRedisViewDeduper(rdb)
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
		}
	}

	// Lifecycle event bus
	bus, err := newEventBus(cfg.Events)
	if err != nil {
		log.Fatal().Err(err).Str("bus", cfg.Events.Bus).Msg("Failed to connect event bus")
	}
	var publisher service.EventPublisher
	if bus != nil {
		eventPublisher := client.NewNotificationPublisher(bus, log.Logger)
		defer eventPublisher.Close()
		publisher = eventPublisher
		log.Info().Str("bus", bus.Name()).Msg("Event bus connected")
	}

	// Notification transports
	transport, err := newTransport(cfg.Notifications, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure notification transports")
	}

	// Initialize services
	policy := cfg.Policy
	gate := service.NewApprovalGate(store, store, policy.ApprovalThresholds, policy.ApproverRoles, clock, log)
	reservations := service.NewReservationManager(store, policy.ReservationTTL, clock, log)
	queue := service.NewDeliveryQueue(store, transport, service.DeliveryQueueConfig{
		RetryLadder:          policy.RetryLadder,
		MaxAttempts:          policy.MaxAttempts,
		BatchSize:            policy.DrainBatchSize,
		ProcessingStaleAfter: policy.ProcessingStaleAfter,
	}, clock, log)
	gateway := service.NewClientGateway(store, store, deduper, policy.ViewDedupeWindow, clock, log)
	engine := service.NewStatusEngine(store, gate, reservations, queue, gateway, publisher, service.StatusEngineConfig{
		TokenTTL:      policy.TokenTTL,
		ClientBaseURL: policy.ClientBaseURL,
	}, clock, log)
	quotes := service.NewQuoteService(store, reservations, engine, clock, log)
	sweeper := service.NewSweeper(reservations, gateway, queue, engine, log)
	health := handler.NewHealthReporter(cfg.Service.Name, probe, log)

	// Periodic tasks
	supervisor := scheduler.NewSupervisor(log,
		scheduler.Task{
			Name:     "drain",
			Interval: policy.DrainInterval,
			Run: func(ctx context.Context) error {
				_, err := queue.Drain(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:       "sweep",
			Interval:   policy.SweepInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Run(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:       "health",
			Interval:   policy.HealthInterval,
			RunOnStart: true,
			Run:        health.Check,
		},
	)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Setup HTTP routes
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logger(&log.Logger),
		middleware.Recovery(&log.Logger),
		middleware.CORS([]string{"*"}),
		middleware.Tracing(cfg.Service.Name),
		middleware.Metrics(),
	)
	clientLimiter := middleware.NewRateLimiter(rate.Limit(cfg.Server.ClientRateLimit), cfg.Server.ClientBurst, handler.ClientTokenKey)
	handler.NewHTTPHandler(quotes, gate, reservations, queue, gateway, health, log).Register(router, clientLimiter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogging(log)))
	health.Register(grpcServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	health.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	if err := supervisor.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracing shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// newEventBus connects the configured lifecycle event bus, or returns nil for "none".
func newEventBus(cfg config.EventsConfig) (client.EventBus, error) {
	switch cfg.Bus {
	case "", "none":
		return nil, nil
	case "nats":
		bus, err := client.NewJetStreamBus(cfg.NATSURL, eventStream)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "kafka":
		return client.NewKafkaBus(cfg.KafkaBrokers), nil
	case "rabbitmq":
		bus, err := client.NewRabbitMQBus(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unsupported EVENT_BUS %q", cfg.Bus)
	}
}

// newTransport routes each channel to its configured provider.
func newTransport(cfg config.NotificationsConfig, log *logger.Logger) (*client.Router, error) {
	senders := make(map[repository.Channel]client.Sender, 2)

	switch cfg.EmailProvider {
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
		}
		senders[repository.ChannelEmail] = client.NewSendGridSender(cfg.SendGridAPIKey, cfg.FromName, cfg.FromEmail)
	case "smtp":
		senders[repository.ChannelEmail] = client.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromName, cfg.FromEmail)
	case "", "log":
		senders[repository.ChannelEmail] = client.NewLogSender(repository.ChannelEmail, log.Logger)
	default:
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER %q", cfg.EmailProvider)
	}

	switch cfg.SMSProvider {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return nil, fmt.Errorf("SMS_PROVIDER=twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
		senders[repository.ChannelSMS] = client.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	case "", "log":
		senders[repository.ChannelSMS] = client.NewLogSender(repository.ChannelSMS, log.Logger)
	default:
		return nil, fmt.Errorf("unsupported SMS_PROVIDER %q", cfg.SMSProvider)
	}

	return client.NewRouter(senders), nil
}
