package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/walk-buddy/internal/analysis"
	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/config"
	"github.com/example/walk-buddy/internal/events"
	"github.com/example/walk-buddy/internal/geo"
	httpapi "github.com/example/walk-buddy/internal/http"
	"github.com/example/walk-buddy/internal/logging"
	"github.com/example/walk-buddy/internal/matcher"
	"github.com/example/walk-buddy/internal/notify"
	"github.com/example/walk-buddy/internal/storage"
	"github.com/example/walk-buddy/internal/sweeper"
	"github.com/example/walk-buddy/internal/trust"
	"github.com/example/walk-buddy/internal/walks"
)

func main() {
	fs := pflag.NewFlagSet("walk-buddy", pflag.ExitOnError)
	configFile := fs.String("config", "", "optional config file (overrides CONFIG_FILE)")
	addr := fs.String("addr", "", "listen address (overrides HTTP_ADDR)")
	migrate := fs.Bool("migrate", false, "apply embedded migrations before serving")
	_ = fs.Parse(os.Args[1:])

	if fs.Changed("config") {
		_ = os.Setenv("CONFIG_FILE", *configFile)
	}
	if fs.Changed("addr") {
		_ = os.Setenv("HTTP_ADDR", *addr)
	}
	if fs.Changed("migrate") {
		_ = os.Setenv("MIGRATE", fmt.Sprint(*migrate))
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type closer func() error

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	store, ready, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	// a process-local index would hide rows other replicas wrote to postgres
	var index geo.Index
	switch {
	case cfg.RedisAddr != "":
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	case cfg.PGDSN == "":
		index = geo.NewMemoryIndex()
	default:
		logger.Info("no geo index, matcher scans postgres")
	}

	wsReg := notify.NewWSRegistry()
	notifiers := notify.Fanout{wsReg}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaMatchTopic)
		closers = append(closers, kp.Close)
		notifiers = append(notifiers, &notify.EventNotifier{Publisher: kp})
	} else {
		notifiers = append(notifiers, &notify.LogNotifier{Logger: logging.Component(logger, "notify")})
	}

	pub, err := analysisPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := pub.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}
	clk := clock.Real()
	submitter := analysis.NewSubmitter(pub, analysis.Options{
		Workers:   cfg.AnalysisWorkers,
		QueueSize: cfg.AnalysisQueueSize,
		Clock:     clk,
		Logger:    logging.Component(logger, "analysis"),
	})
	submitter.Start(context.WithoutCancel(ctx))
	// drains before the broker connections close
	closers = append(closers, func() error { submitter.Close(); return nil })

	m := &matcher.Service{
		Store:       store,
		Index:       index,
		Notifier:    notifiers,
		Clock:       clk,
		Logger:      logging.Component(logger, "matcher"),
		MaxAttempts: cfg.MatchMaxAttempts,
	}
	if n, err := m.Reindex(ctx); err != nil {
		logger.Warn("geo index seed failed", "error", err)
	} else if index != nil {
		logger.Info("geo index seeded", "waiting", n)
	}
	sw := &sweeper.Sweeper{
		Store:    store,
		Index:    index,
		Clock:    clk,
		Interval: cfg.SweepInterval,
		Logger:   logging.Component(logger, "sweeper"),
	}
	ws := &walks.Service{
		Store:    store,
		Matcher:  m,
		Sweeper:  sw,
		Index:    index,
		Notifier: notifiers,
		Clock:    clk,
		Logger:   logging.Component(logger, "walks"),
		TTL:      cfg.RequestTTL,
	}
	ts := &trust.Service{
		Store:         store,
		Analysis:      submitter,
		AutoBanAtZero: cfg.AutoBanAtZero,
		Logger:        logging.Component(logger, "trust"),
	}

	go sw.Run(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Walks:    ws,
			Trust:    ts,
			Analysis: submitter,
			WSReg:    wsReg,
			Clock:    clk,
			Ready:    ready,
			Logger:   logging.Component(logger, "http"),
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("walk-buddy listening", "addr", cfg.HTTPAddr, "analysis_broker", cfg.AnalysisBroker)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(context.Context) error, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ps.Ping(pingCtx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return ps, ps.Ping, nil
}

func analysisPublisher(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.AnalysisBroker {
	case config.BrokerKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAnalysisTopic), nil
	case config.BrokerAMQP:
		p, err := events.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, 5, logging.Component(logger, "amqp"))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return &events.LogPublisher{Logger: logging.Component(logger, "analysis")}, nil
	}
}
