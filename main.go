package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsgo_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/api"
	"github.com/Kobia22/lanesParkin-sub001/internal/api/handler"
	"github.com/Kobia22/lanesParkin-sub001/internal/api/middleware"
	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed/pgnotify"
	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed/redisfeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/config"
	"github.com/Kobia22/lanesParkin-sub001/internal/identity"
	"github.com/Kobia22/lanesParkin-sub001/internal/logging"
	"github.com/Kobia22/lanesParkin-sub001/internal/metrics"
	"github.com/Kobia22/lanesParkin-sub001/internal/pricing"
	"github.com/Kobia22/lanesParkin-sub001/internal/realtime"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository/memory"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository/postgresql"
	"github.com/Kobia22/lanesParkin-sub001/internal/scheduler"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
	"github.com/Kobia22/lanesParkin-sub001/internal/signage"
)

type feed interface {
	changefeed.Publisher
	changefeed.Subscriber
}

func main() {
	// 1. Configuration and logging
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	metrics.Register()
	logger.Info().Str("store", cfg.StoreDriver).Str("change_feed", cfg.ChangeFeed).Msg("configuration loaded")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Database
	var db *sql.DB
	if cfg.StoreDriver == "postgres" || cfg.ChangeFeed == "postgres" {
		var err error
		db, err = postgresql.NewDB(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("could not connect to database")
		}
		defer db.Close()
		if err := postgresql.Migrate(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("could not migrate schema")
		}
		logger.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("database ready")
	}

	// 3. Change feed and store
	changes, closeFeed := openFeed(cfg, db, logger)
	defer closeFeed()

	var store repository.Store
	switch cfg.StoreDriver {
	case "memory":
		store = memory.New(changes, logger)
	case "postgres":
		store = postgresql.NewStore(db, changes, logger)
	default:
		logger.Fatal().Str("store", cfg.StoreDriver).Msg("unknown STORE_DRIVER")
	}

	// 4. Services
	engine := pricing.NewEngine(cfg.StudentDailyRate, cfg.GuestHourlyRate, cfg.GuestFreeWindow)
	bookingService := service.NewBookingService(store, engine, service.Options{
		ExpiryWindow:    cfg.BookingExpiryWindow,
		ConflictRetries: cfg.ConflictRetries,
	}, logger)

	var wg sync.WaitGroup
	var awsCfg *aws.Config
	if cfg.SQSExpiryQueueURL != "" || cfg.IoTEndpoint != "" {
		loaded, err := awsgo_config.LoadDefaultConfig(ctx, awsgo_config.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Fatal().Err(err).Msg("could not load AWS SDK config")
		}
		awsCfg = &loaded
		logger.Info().Str("region", cfg.AWSRegion).Msg("AWS SDK config loaded")
	}

	// 5. Expiry scheduling
	var local *scheduler.Local
	if cfg.SQSExpiryQueueURL != "" {
		sqsClient := sqs.NewFromConfig(*awsCfg)
		bookingService.SetScheduler(scheduler.NewSQSScheduler(sqsClient, cfg.SQSExpiryQueueURL, logger))
		consumer := scheduler.NewSQSConsumer(sqsClient, cfg.SQSExpiryQueueURL, bookingService, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(ctx)
		}()
	} else {
		logger.Warn().Msg("SQS_EXPIRY_QUEUE_URL not set; expiry checks run in-process")
		local = scheduler.NewLocal(bookingService, logger)
		bookingService.SetScheduler(local)
	}

	sweeper := scheduler.NewSweeper(bookingService, cfg.SweepInterval, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// 6. Real-time hub and signage
	hub := realtime.NewHub(changes, bookingService, cfg.HubQueryTimeout, logger)
	wsManager := handler.NewWebSocketManager(hub, cfg.HubPollInterval, logger)

	if cfg.IoTEndpoint != "" {
		endpoint := cfg.IoTEndpoint
		if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
			endpoint = "https://" + endpoint
		}
		iotClient := iotdataplane.NewFromConfig(*awsCfg, func(o *iotdataplane.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
		if err := signage.NewPublisher(iotClient, hub.Lots, cfg.HubPollInterval, logger).Start(ctx); err != nil {
			logger.Error().Err(err).Msg("lot signage disabled")
		}
	}

	// 7. HTTP server
	authMw := middleware.NewAuthMiddleware(identity.NewVerifier(cfg.JWTSecret), logger)
	router := api.SetupRouter(bookingService, authMw, wsManager, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.ServerPort).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("ListenAndServe")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	stop()
	wsManager.Close()
	hub.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}

	if local != nil {
		local.Stop()
	}
	bookingService.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("background workers did not stop in time")
	}
	logger.Info().Msg("server stopped")
}

// openFeed builds the change feed CHANGE_FEED selects. The store publishes into it and the
// hub watches it.
func openFeed(cfg *config.Config, db *sql.DB, logger *zerolog.Logger) (feed, func()) {
	switch cfg.ChangeFeed {
	case "postgres":
		if db == nil {
			break
		}
		listener, err := pgnotify.NewListener(cfg.DSN(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("could not listen for postgres notifications")
		}
		return struct {
			changefeed.Publisher
			changefeed.Subscriber
		}{pgnotify.NewPublisher(db), listener}, func() { _ = listener.Close() }
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("could not reach redis")
		}
		return redisfeed.New(client, logger), func() { _ = client.Close() }
	}
	if cfg.ChangeFeed != "memory" {
		logger.Warn().Str("change_feed", cfg.ChangeFeed).Msg("unsupported change feed, using in-process broker")
	}
	broker := changefeed.NewBroker()
	return broker, broker.Close
}
