package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"esb-runtime/internal/api"
	"esb-runtime/internal/config"
	"esb-runtime/internal/endpoint/sqlstore"
	"esb-runtime/internal/flow"
	"esb-runtime/internal/monitoring"
	"esb-runtime/internal/runtime"
	"esb-runtime/internal/strategy"
	"esb-runtime/pkg/logger"
)

const (
	ordersInTopic  = "orders.in"
	ordersOutTopic = "orders.out"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the runtime, its flows and the HTTP API",
		Long: `Start the runtime with the configured processing strategy.

Example:
  esb run --config ./esb.yaml
  PROCESSING_STRATEGY=blocking esb run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func NewStrategiesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the registered processing strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			for _, n := range strategy.DefaultRegistry(cfg.StrategyConfig()).Names() {
				marker := " "
				if n == cfg.Strategy {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, n)
			}
			return nil
		},
	}
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigPath != "" {
		c, err := config.LoadFile(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Init(cfg.LogProd && !opts.Verbose)
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log := logger.Get()
	log.Infow("loaded configuration",
		"db_driver", cfg.DBDriver,
		"db_host", cfg.DBHost,
		"db_name", cfg.DBName,
		"strategy", cfg.Strategy,
		"io_workers", cfg.IOWorkers,
		"cpu_intensive_workers", cfg.CPUIntensiveWorkers,
		"queue_size", cfg.QueueSize,
		"saturation", cfg.Saturation,
		"max_retries", cfg.MaxRetries,
		"retry_backoff_ms", cfg.RetryBaseBackoff.Milliseconds(),
	)

	store, err := sqlstore.Open(sqlstore.Config{
		Driver:           cfg.DBDriver,
		DSN:              cfg.DataSource(),
		MaxOpenConns:     cfg.IOWorkers,
		MaxIdleConns:     cfg.IOWorkers / 2,
		MaxRetries:       cfg.MaxRetries,
		RetryBaseBackoff: cfg.RetryBaseBackoff,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
		log.Info("closed database connection")
	}()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// Runtime and observers
	rt := runtime.New("esb", runtime.WithRegistry(strategy.DefaultRegistry(cfg.StrategyConfig())))
	defer func() {
		err = multierr.Append(err, rt.Dispose())
	}()

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		rt.Notifications().AddListener(metrics)
		rt.Alerts().AddListener(metrics)
	}
	logging := monitoring.NewLogging()
	rt.Notifications().AddListener(logging)
	rt.Notifications().AddListener(monitoring.NewTracing(nil))
	rt.Alerts().AddListener(logging)

	s, err := rt.Strategy(cfg.Strategy)
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}
	if cfg.MetricsEnabled {
		watchPools(metrics, rt)
	}

	// Flows
	tracker := monitoring.NewTracker()
	flows := flow.NewRegistry()
	flows.Add(flow.New("orders", ordersChain(rt, s, store),
		flow.WithTracker(tracker),
		flow.WithTimeout(cfg.RequestTimeout),
	))
	if err := flows.StartAll(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, flows.StopAll())
	}()

	// In-process pub/sub
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger.Watermill())
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, logger.Watermill())
	if err != nil {
		return err
	}
	router.AddMiddleware(middleware.CorrelationID, middleware.Recoverer)
	orders, _ := flows.Get("orders")
	orders.Register(router, pubSub, ordersInTopic, pubSub, ordersOutTopic)

	routerDone := make(chan error, 1)
	go func() {
		routerDone <- router.Run(ctx)
	}()

	// HTTP API
	mux := http.NewServeMux()
	api.NewServer(flows, rt, tracker, prometheus.DefaultGatherer).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
	serverDone := make(chan error, 1)
	go func() {
		log.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case err := <-serverDone:
		if err != nil {
			log.Errorw("server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown error", "error", err)
	}
	if err := router.Close(); err != nil {
		log.Errorw("router close error", "error", err)
	}
	if err := <-routerDone; err != nil {
		log.Errorw("router stopped with error", "error", err)
	}
	if err := pubSub.Close(); err != nil {
		log.Errorw("pubsub close error", "error", err)
	}
	log.Infow("service stopped", "stats", tracker.Stats())
	return nil
}

func watchPools(m *monitoring.Metrics, rt *runtime.Runtime) {
	for _, s := range rt.Strategies() {
		owner, ok := s.(strategy.PoolOwner)
		if !ok {
			continue
		}
		for _, p := range owner.Pools() {
			if err := m.WatchPool(p); err != nil {
				logger.Get().Warnw("pool metrics unavailable", "pool", p.Name(), "error", err)
			}
		}
	}
}
