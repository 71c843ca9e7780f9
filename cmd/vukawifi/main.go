package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/accounting"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/config"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/metrics"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/payments"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/radiusdb"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/sweeper"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile string
	logLevel   string
	inMemory   bool
	httpAddr   string
	acctAddr   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vukawifi",
	Short: "Captive portal WiFi billing backend",
	Long: `VukaWiFi billing server - payment-driven WiFi access control.

Provisions RADIUS credentials on payment, tracks sessions through
RADIUS accounting and tears down access with CoA/Disconnect when
sessions expire.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the billing server",
	RunE:  runServer,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single expiry and retention pass, then exit",
	RunE:  runSweep,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	runCmd.Flags().BoolVar(&inMemory, "in-memory", false, "Use in-memory stores instead of Postgres and Redis")
	runCmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP API listen address (overrides config)")
	runCmd.Flags().StringVar(&acctAddr, "accounting-addr", "", "RADIUS accounting listen address (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}

// loadConfig reads the config file and applies flag overrides. Flags
// beat both the file and the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("in-memory") {
		cfg.InMemory = inMemory
	}
	if httpAddr != "" {
		cfg.HTTP.Address = httpAddr
	}
	if acctAddr != "" {
		cfg.RADIUS.AccountingAddress = acctAddr
	}

	return cfg, cfg.Validate()
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zapLevel
	zapConfig.Encoding = "json"

	return zapConfig.Build()
}

// server holds every running component so shutdown can walk them in
// reverse order.
type server struct {
	cfg    config.Config
	logger *zap.Logger

	sessions store.Store
	attrs    radiusdb.Store
	nas      *coa.Client
	manager  *session.Manager
	ingestor *accounting.Ingestor
	acctSrv  *accounting.Server
	sweeper  *sweeper.Sweeper
	guard    payments.IdempotencyGuard
	payments *payments.Processor
	metrics  *metrics.Metrics

	closers []func() error
}

func buildServer(cfg config.Config, logger *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	if err := s.initStores(); err != nil {
		return nil, err
	}

	nas, err := coa.NewClient(coa.Config{
		Secret:  cfg.RADIUS.Secret,
		Port:    cfg.RADIUS.CoAPort,
		Timeout: cfg.RADIUS.CoATimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating CoA client: %w", err)
	}
	s.nas = nas

	manager, err := session.NewManager(s.sessions, s.attrs, nas, logger)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	s.manager = manager

	ingestor, err := accounting.NewIngestor(s.sessions, logger)
	if err != nil {
		return nil, fmt.Errorf("creating accounting ingestor: %w", err)
	}
	s.ingestor = ingestor

	acctSrv, err := accounting.NewServer(accounting.ServerConfig{
		Address: cfg.RADIUS.AccountingAddress,
		Secret:  cfg.RADIUS.Secret,
	}, ingestor, logger)
	if err != nil {
		return nil, fmt.Errorf("creating accounting server: %w", err)
	}
	s.acctSrv = acctSrv

	sw, err := sweeper.New(cfg.Sweeper, manager, s.sessions, logger)
	if err != nil {
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}
	s.sweeper = sw

	if cfg.InMemory {
		s.guard = payments.NewMemoryGuard()
	} else {
		guard, err := payments.NewRedisGuard(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		s.guard = guard
		s.closers = append(s.closers, guard.Close)
	}

	processor, err := payments.NewProcessor(s.sessions, manager, s.guard, logger)
	if err != nil {
		return nil, fmt.Errorf("creating payment processor: %w", err)
	}
	s.payments = processor

	s.metrics = metrics.New(metrics.Sources{
		Manager:    manager,
		CoAClient:  nas,
		Ingestor:   ingestor,
		AcctServer: acctSrv,
		Sweeper:    sw,
		Processor:  processor,
	}, logger)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return s, nil
}

func (s *server) initStores() error {
	if s.cfg.InMemory {
		s.logger.Warn("running with in-memory stores, state is lost on restart")
		s.sessions = store.NewMemoryStore()
		s.attrs = radiusdb.NewMemoryStore()
		return nil
	}

	pg, err := store.NewPostgresStore(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	s.closers = append(s.closers, pg.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating session schema: %w", err)
	}

	attrs := radiusdb.NewPostgresStore(pg.DB(), s.logger)
	if err := attrs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating radius schema: %w", err)
	}

	s.sessions = pg
	s.attrs = attrs
	return nil
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting vukawifi billing server",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Bool("in_memory", cfg.InMemory))

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.acctSrv.Start(); err != nil {
		return fmt.Errorf("starting accounting server: %w", err)
	}
	logger.Info("accounting server listening", zap.String("address", srv.acctSrv.Addr().String()))

	srv.sweeper.Start(ctx)
	srv.metrics.StartCollector(ctx, cfg.HTTP.MetricsInterval)

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("address", cfg.HTTP.Address))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-httpErr:
		logger.Error("http server failed", zap.Error(err))
	}

	cancel()
	srv.sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := srv.acctSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("accounting shutdown incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := srv.sweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
