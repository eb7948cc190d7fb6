package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/clock"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/config"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/metrics"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/transport"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/upstream"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/pending"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/recordfile"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records/bloom"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records/bolt"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-dnsproxy"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the proxy
type Application struct {
	config    *config.AppConfig
	core      *proxy.Core
	loop      *proxy.Loop
	transport transport.ServerTransport
	metrics   *metrics.Exporter
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Minimal DNS forwarder with local records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the proxy in the foreground (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(newRecordsCmd())
	return root
}

func serve() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Configure global logging
	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}

	log.Info(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.LogLevel,
		"port":      cfg.Port,
		"upstream":  cfg.Upstream,
		"records":   len(cfg.Records),
	}, "Starting DNS proxy")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Failed to build application")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Proxy failed")
		return err
	}

	log.Info(nil, "DNS proxy stopped gracefully")
	return nil
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	store, err := buildRecordStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build record store: %w", err)
	}

	table, err := pending.New(pending.Options{
		Capacity: cfg.PendingCapacity,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pending table: %w", err)
	}

	upstreamAddr, forwarding := upstream.Discover(upstream.Options{
		Upstream:   cfg.Upstream,
		ResolvConf: cfg.ResolvConf,
		Port:       uint16(cfg.UpstreamPort),
		Logger:     logger,
	})

	udp := transport.NewUDPTransport(transport.Options{
		Addr:       fmt.Sprintf(":%d", cfg.Port),
		Forwarding: forwarding,
		Logger:     logger,
	})

	core := proxy.New(proxy.Options{
		Codec:      wire.NewUDPCodec(logger),
		Records:    store,
		Pending:    table,
		Sender:     udp,
		Clock:      clk,
		Logger:     logger,
		Upstream:   upstreamAddr,
		PendingTTL: cfg.PendingTTL,
	})

	// Inline records are applied last so they override files and the database.
	inline, err := cfg.InlineRecords()
	if err != nil {
		return nil, err
	}
	for _, rec := range inline {
		if err := core.AddRecord(rec.Pattern, rec.Address.String()); err != nil {
			return nil, fmt.Errorf("failed to add record %s: %w", rec.Pattern, err)
		}
	}

	loop := proxy.NewLoop(core, proxy.LoopOptions{
		TickInterval: cfg.TickInterval,
		QueueSize:    cfg.QueueSize,
		Clock:        clk,
		Logger:       logger,
	})

	var exporter *metrics.Exporter
	if cfg.MetricsAddr != "" {
		exporter = metrics.New(metrics.Options{
			Addr:           cfg.MetricsAddr,
			Source:         core,
			Logger:         logger,
			ProcessMetrics: true,
		})
	}

	log.Info(map[string]any{
		"records":    core.RecordCount(),
		"forwarding": forwarding,
		"upstream":   upstreamAddr.String(),
	}, "Proxy configured")

	return &Application{
		config:    cfg,
		core:      core,
		loop:      loop,
		transport: udp,
		metrics:   exporter,
	}, nil
}

// buildRecordStore loads the records database, then record files. Later
// sources replace earlier ones for the same pattern.
func buildRecordStore(cfg *config.AppConfig, logger log.Logger) (*records.Store, error) {
	store := records.New(records.Options{
		Bloom:  bloom.NewFactory(),
		Logger: logger,
	})

	if cfg.RecordsDB != "" {
		db, err := bolt.New(cfg.RecordsDB)
		if err != nil {
			return nil, err
		}
		recs, err := db.All()
		_ = db.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read records db: %w", err)
		}
		for _, rec := range recs {
			store.Put(rec)
		}
		log.Info(map[string]any{
			"path":    cfg.RecordsDB,
			"records": len(recs),
		}, "Records database loaded")
	}

	if cfg.RecordsFile != "" {
		recs, err := recordfile.LoadPath(cfg.RecordsFile)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			store.Put(rec)
		}
		log.Info(map[string]any{
			"path":    cfg.RecordsFile,
			"records": len(recs),
		}, "Record files loaded")
	}

	return store, nil
}

// Run starts the proxy and blocks until ctx is cancelled. A bind failure
// marks the core failed and is returned.
func (app *Application) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = app.loop.Run(loopCtx)
	}()

	if err := app.transport.Start(ctx, app.loop); err != nil {
		app.core.MarkFailed(err)
		stopLoop()
		<-loopDone
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	app.core.MarkRunning()

	if app.metrics != nil {
		if err := app.metrics.Start(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Metrics endpoint disabled")
		}
	}

	log.Info(map[string]any{
		"address":   app.transport.Address(),
		"transport": "UDP",
	}, "DNS proxy started")

	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := app.transport.Stop(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Error during transport shutdown")
	}
	app.core.MarkStopped()

	stopLoop()
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}

	if app.metrics != nil {
		if err := app.metrics.Stop(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error during metrics shutdown")
		}
	}

	log.Info(map[string]any{
		"queries":   app.core.QueryCount(),
		"forwarded": app.core.ForwardedCount(),
	}, "Graceful shutdown completed")
	return nil
}
