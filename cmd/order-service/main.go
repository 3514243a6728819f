package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/catalog"
	"github.com/vasiliy-maslov/order-exchange/internal/config"
	"github.com/vasiliy-maslov/order-exchange/internal/db"
	orderHttp "github.com/vasiliy-maslov/order-exchange/internal/handler/http"
	"github.com/vasiliy-maslov/order-exchange/internal/jobs"
	"github.com/vasiliy-maslov/order-exchange/internal/metrics"
	"github.com/vasiliy-maslov/order-exchange/internal/notify"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
	"github.com/vasiliy-maslov/order-exchange/internal/payment"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "order-service").Logger()

	log.Info().Msg("Order service starting...")

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("log_level", cfg.App.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Interface("rates", cfg.Rates).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	if err := dbConn.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	var sink notify.Sink = notify.LogSink{}
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := notify.NewRabbitMQSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer func() {
			if err := rabbit.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			}
		}()
		sink = rabbit
	} else {
		log.Warn().Msg("RABBITMQ_URL is not set, order notifications are only logged")
	}

	dispatcher := notify.NewDispatcher(sink, cfg.Jobs.QueueSize, cfg.Jobs.MaxAttempts, cfg.Jobs.Backoff)
	// Stop drains the buffer, so publishing must outlive the signal context.
	dispatcher.Start(context.Background())

	runner := jobs.NewRunner(cfg.Jobs.Workers, cfg.Jobs.QueueSize, cfg.Jobs.MaxAttempts, cfg.Jobs.Backoff)
	runner.Start(ctx)
	scheduler := jobs.NewScheduler(runner)

	catalogClient := catalog.NewClient(cfg.Clients.CatalogURL, cfg.Clients.CatalogToken, cfg.Clients.Timeout)
	taxProvider := salestax.NewHTTPProvider(cfg.Clients.TaxURL, cfg.Clients.TaxAPIKey, cfg.Clients.Timeout)
	gateway := payment.NewStripeGateway(cfg.Clients.PaymentURL, cfg.Clients.PaymentAPIKey, cfg.Clients.Timeout)

	settings := order.DefaultSettings()
	settings.Currency = cfg.Rates.Currency
	settings.Fees = cfg.Rates.TransactionFee
	settings.Expirations = cfg.Rates.Expirations
	settings.SweepBatch = cfg.Jobs.SweepBatch

	orderSvc := order.NewService(order.Dependencies{
		Repo:      order.NewRepository(dbConn.Pool),
		Catalog:   catalogClient,
		Gateway:   gateway,
		Taxes:     salestax.NewEngine(taxProvider, catalogClient, cfg.Rates.Nexus),
		Notifier:  dispatcher,
		Scheduler: scheduler,
	}, settings)
	scheduler.Attach(orderSvc)

	sweeper := jobs.NewSweeper(orderSvc, cfg.Jobs.SweepInterval)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := dbConn.Pool.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed to ping database")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Handle("/metrics", metrics.Handler())

	orderHttp.NewOrderHandler(orderSvc, scheduler, []byte(cfg.App.JWTSecret)).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}

	<-sweeperDone
	runner.Stop()
	dispatcher.Stop()

	log.Info().Msg("Order service stopped gracefully")
}
