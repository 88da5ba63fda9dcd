package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/internal/adminapi"
	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/lockgate"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/metrics"
	"github.com/dhiraj-trilio/trilio-dms/internal/mountexec"
	"github.com/dhiraj-trilio/trilio-dms/internal/reconcile"
	"github.com/dhiraj-trilio/trilio-dms/internal/registry"
	"github.com/dhiraj-trilio/trilio-dms/internal/secretclient"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
	"github.com/dhiraj-trilio/trilio-dms/pkg/coordinator"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dms-server daemon",
	Long: `Start the mount execution engine: consume mount/unmount RPCs from
this node's inbound broker queue, drive the NFS and S3 FUSE mount helpers,
and (if admin_api.enabled) serve the read-only admin HTTP API.

Examples:
  dms-server start
  dms-server start --config /etc/dms/config.yaml
  DMS_LOGGING_LEVEL=DEBUG dms-server start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dms-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dms-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metrics.Handler(),
		}
		go func() {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
	}

	reg, err := registry.New(cfg.Mount.PIDDir)
	if err != nil {
		return fmt.Errorf("failed to initialize FUSE process registry: %w", err)
	}
	if err := reg.LoadExisting(); err != nil {
		return fmt.Errorf("failed to recover FUSE process registry: %w", err)
	}

	secrets := secretclient.New()
	executor := mountexec.New(reg, secrets, cfg.Mount)

	ledgerCfg, err := ledger.ParseURL(cfg.Ledger.URL)
	if err != nil {
		return fmt.Errorf("failed to parse ledger_url: %w", err)
	}
	ledgerStore, err := ledger.New(ledgerCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to mount ledger: %w", err)
	}

	logger.Info("running startup mount reconciliation", "node_id", cfg.NodeID)
	if err := reconcile.New(ledgerStore, executor, cfg.NodeID).Run(ctx); err != nil {
		logger.Error("startup mount reconciliation failed", logger.Err(err))
	}

	handler := func(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
		if err := req.Validate(); err != nil {
			return transport.ErrorResponse(err.Error()), nil
		}
		switch req.Action {
		case transport.ActionMount:
			return executor.Mount(ctx, req)
		case transport.ActionUnmount:
			return executor.Unmount(ctx, req)
		default:
			return transport.ErrorResponse(fmt.Sprintf("unsupported action %q", req.Action)), nil
		}
	}

	server, err := transport.NewServer(&cfg.Broker, cfg.NodeID, handler)
	if err != nil {
		return fmt.Errorf("failed to start RPC transport server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("failed to close RPC transport server", logger.Err(err))
		}
	}()

	cleanupTicker := time.NewTicker(time.Minute)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				if n := reg.CleanupDead(); n > 0 {
					logger.Info("cleaned up dead FUSE processes", "count", n)
				}
			}
		}
	}()

	var adminServer *http.Server
	if cfg.AdminAPI.Enabled {
		adminServer, err = buildAdminServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize admin API: %w", err)
		}
		go func() {
			logger.Info("admin API listening", "port", cfg.AdminAPI.Port)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin API error", logger.Err(err))
			}
		}()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("dms-server is running", "node_id", cfg.NodeID)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, draining")
		cancel()
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("RPC transport server stopped with error", logger.Err(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("dms-server stopped")
	return nil
}

// buildAdminServer wires the read-only admin HTTP API (internal/adminapi)
// over its own coordinator instance. The coordinator's Status/ListActive/
// History/SoftDelete methods touch only the ledger, never the RPC client;
// the transport.Client built here still dials its own broker connection,
// separate from the transport server's, which those methods never use.
func buildAdminServer(cfg *config.Config) (*http.Server, error) {
	ledgerCfg, err := ledger.ParseURL(cfg.Ledger.URL)
	if err != nil {
		return nil, err
	}
	store, err := ledger.New(ledgerCfg)
	if err != nil {
		return nil, err
	}

	lock, err := lockgate.New(cfg.Lock.Dir, lockgate.DefaultKey, cfg.Lock.PollInterval)
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(&cfg.Broker)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(lock, cfg.Lock.Timeout, store, client, cfg.Broker.RPCTimeout)

	verifier, err := adminapi.NewVerifier(cfg.AdminAPI.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin API JWT public key: %w", err)
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminAPI.Port),
		Handler: adminapi.NewRouter(coord, verifier),
	}, nil
}
