// Command brokerlink runs the multi-tenant brokerage connectivity core.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/credentials/pgstore"
	"github.com/coachpo/brokerlink/internal/credentials/sqlitestore"
	"github.com/coachpo/brokerlink/internal/mirror"
	"github.com/coachpo/brokerlink/internal/persistence/migrations"
	"github.com/coachpo/brokerlink/internal/registry"
	"github.com/coachpo/brokerlink/internal/state"
	"github.com/coachpo/brokerlink/internal/telemetry"
	"github.com/coachpo/brokerlink/internal/upstream"
	"github.com/coachpo/brokerlink/internal/upstream/alpaca"
	"github.com/coachpo/brokerlink/internal/upstream/fake"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "brokerlink "
	shutdownTimeout          = 30 * time.Second
	registryShutdownTimeout  = 20 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration loaded: env=%s, provider=%s, accounts=%d, credentials=%s",
		appCfg.Environment, appCfg.Upstream.Provider, len(appCfg.Accounts), appCfg.Credentials.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	creds, closeCreds, err := buildCredentials(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise credentials: %v", err)
	}
	defer closeCreds()

	dialer, streamDialer := buildUpstream(appCfg, logger)

	var lifecycle conc.WaitGroup
	var observers []state.Observer
	var mirrorClient io.Closer
	if appCfg.Mirror.Enabled() {
		client := mirror.NewClient(appCfg.Mirror)
		mirrorClient = client
		m := mirror.New(client, appCfg.Mirror.KeyPrefix, appCfg.Mirror.TTL, mirror.WithLogger(prefixed(logger, "mirror ")))
		observers = append(observers, m)
		lifecycle.Go(func() {
			if err := m.Run(ctx); err != nil {
				logger.Printf("mirror: %v", err)
			}
		})
		logger.Printf("snapshot mirror enabled: addr=%s prefix=%s", appCfg.Mirror.Addr, appCfg.Mirror.KeyPrefix)
	}

	reg, err := registry.New(registry.Deps{
		Dialer:       dialer,
		StreamDialer: streamDialer,
		Credentials:  creds,
		Observers:    observers,
	}, registry.ConfigFrom(appCfg), registry.WithLogger(prefixed(logger, "registry ")))
	if err != nil {
		logger.Fatalf("initialise registry: %v", err)
	}
	if err := reg.Start(ctx, registry.Accounts(appCfg)); err != nil {
		logger.Fatalf("start registry: %v", err)
	}

	logger.Print("brokerlink started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("stopping registry", registryShutdownTimeout, reg.Shutdown)
	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	if mirrorClient != nil {
		shutdownStep("closing mirror client", lifecycleShutdownTimeout, func(context.Context) error {
			return mirrorClient.Close()
		})
	}
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func prefixed(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	cfg.EnableMetrics = appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled && cfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildCredentials opens the configured credential backend. The returned
// closer releases any database handles.
func buildCredentials(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (credentials.Provider, func(), error) {
	noop := func() {}
	switch appCfg.Credentials.Backend {
	case "static":
		static := credentials.NewStatic()
		for _, entry := range appCfg.Credentials.Static {
			static.Put(entry.Ref, entry.APIKey, entry.APISecret)
		}
		logger.Printf("static credentials loaded: %d", len(appCfg.Credentials.Static))
		return static, noop, nil
	case "sqlite":
		sealer, err := credentials.SealerFromEnv(appCfg.Credentials.SealKeyEnv)
		if err != nil {
			return nil, noop, err
		}
		store, err := sqlitestore.Open(ctx, appCfg.Credentials.SQLitePath, sealer)
		if err != nil {
			return nil, noop, err
		}
		logger.Printf("sqlite credential store opened: %s", appCfg.Credentials.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		sealer, err := credentials.SealerFromEnv(appCfg.Credentials.SealKeyEnv)
		if err != nil {
			return nil, noop, err
		}
		if appCfg.Database.RunMigrations {
			if err := migrations.ApplyEmbedded(ctx, appCfg.Database.DSN, prefixed(logger, "migrate ")); err != nil {
				return nil, noop, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := pgstore.Connect(ctx, appCfg.Database)
		if err != nil {
			return nil, noop, err
		}
		logger.Printf("postgres credential store connected")
		return pgstore.New(pool, sealer), pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported credentials backend %q", appCfg.Credentials.Backend)
	}
}

func buildUpstream(appCfg config.AppConfig, logger *log.Logger) (upstream.Dialer, upstream.StreamDialer) {
	if appCfg.Upstream.Provider == "fake" {
		broker := fake.New()
		logger.Print("using in-process fake broker")
		return broker, broker
	}
	endpoints := alpaca.Endpoints{
		PaperTradingURL: appCfg.Upstream.PaperTradingURL,
		LiveTradingURL:  appCfg.Upstream.LiveTradingURL,
		DataURL:         appCfg.Upstream.DataURL,
		PaperStreamURL:  appCfg.Upstream.PaperStreamURL,
		LiveStreamURL:   appCfg.Upstream.LiveStreamURL,
	}
	return alpaca.NewDialer(endpoints, appCfg.Upstream.HTTPTimeout),
		alpaca.NewStreamDialer(endpoints, prefixed(logger, "alpaca stream "))
}
