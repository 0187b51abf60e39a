package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"reminders/internal/api"
	"reminders/internal/config"
	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/metrics"
	"reminders/internal/reminder"
	"reminders/internal/scheduler"
	"reminders/internal/serialization"
	"reminders/internal/transport"
)

// logSink is a built-in local recipient whose deliveries are written to the log.
var logSink = domain.Address{Scheme: "local", Host: "system", Path: "/log"}

func serveCmd(cfgPath *string) *cobra.Command {
	var (
		addr   string
		driver string
		dbPath string
	)
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("storage") {
				cfg.Storage.Driver = driver
			}
			if cmd.Flags().Changed("db") {
				cfg.Storage.Path = dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg.Log)
			return serve(cfg)
		},
	}
	command.Flags().StringVar(&addr, "addr", ":8080", "HTTP bind address")
	command.Flags().StringVar(&driver, "storage", "sqlite", "journal driver: memory, sqlite, redis, postgres")
	command.Flags().StringVar(&dbPath, "db", "./data/reminders.db", "SQLite journal path")
	return command
}

func setupLogging(cfg config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(cfg.Level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func journalConfig(cfg *config.Config) journal.Config {
	return journal.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		URL:    cfg.Storage.URL,
		Prefix: cfg.Storage.Prefix,
	}
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := journal.Open(ctx, journalConfig(cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("journal opened")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPromMetrics(reg)

	registry := serialization.NewRegistry()
	codec := serialization.NewCodec(registry)

	rem := reminder.NewService(store, codec, reminder.Options{
		PastTolerance:    cfg.Reminder.PastTolerance,
		SnapshotEvery:    cfg.Reminder.SnapshotEvery,
		DeleteOnSnapshot: cfg.Reminder.DeleteOnSnapshot,
		MailboxSize:      cfg.Reminder.MailboxSize,
		Metrics:          rec,
	})
	if err := rem.Start(ctx); err != nil {
		return err
	}
	defer rem.Stop()

	router := transport.NewRouter()
	local := transport.NewLocal()
	go drainLogSink(ctx, local.Mailbox(logSink, 256))
	router.Handle("local", local)
	webhook := transport.NewWebhook(registry)
	router.Handle("http", webhook)
	router.Handle("https", webhook)
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := transport.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return err
		}
		defer client.Close()
		router.Handle("kafka", transport.NewKafka(client, registry))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka transport enabled")
	}

	dispatcher := scheduler.NewService(rem, router, scheduler.Options{
		Interval:      cfg.Dispatch.Interval,
		Concurrency:   cfg.Dispatch.Concurrency,
		DeliveryRate:  cfg.Dispatch.DeliveryRate,
		MaxRetryDelay: cfg.Dispatch.MaxRetryDelay,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		Metrics:       rec,
	})
	go dispatcher.Start(ctx)

	handler := api.NewServerWithOptions(rem, codec, api.Options{
		Debug:   cfg.HTTP.Debug,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	var runErr error
	select {
	case <-c:
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
		log.Error().Err(err).Msg("http server")
	}
	log.Info().Msg("shutting down")
	dispatcher.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	return runErr
}

func drainLogSink(ctx context.Context, box <-chan transport.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-box:
			log.Info().Str("recipient", d.To.String()).Interface("message", d.Message).Msg("reminder")
		}
	}
}
