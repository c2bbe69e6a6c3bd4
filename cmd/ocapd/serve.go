package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ocapkernel/kernel/internal/bundle"
	"github.com/ocapkernel/kernel/internal/bundle/s3store"
	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/gc"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/observability"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/router"
	"github.com/ocapkernel/kernel/internal/rpcapi"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/subcluster"
	"github.com/ocapkernel/kernel/internal/transport/pipeproc"
	"github.com/ocapkernel/kernel/internal/transport/vsockproc"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel daemon",
		Long:  "Run the router cycle loop, vat worker service, distributed GC, bundle server, and JSON-RPC control plane.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("http") {
				cfg.ControlPlane.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
			}

			kstore, closeStore, err := openStore(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore()

			notifier, err := openNotifier(cfg.Queue)
			if err != nil {
				return fmt.Errorf("open notifier: %w", err)
			}
			defer notifier.Close()

			factory, err := workerFactory(cfg.Transport)
			if err != nil {
				return fmt.Errorf("configure worker transport: %w", err)
			}
			workers := vatworker.NewService(factory)

			subs := subcluster.NewManager(kstore, workers, notifier)
			dispatcher := router.New(kstore, workers, notifier, cfg.Router)

			go workers.HealthLoop(ctx, 30*time.Second)
			go runBringOutYourDead(ctx, kstore, workers, notifier, cfg.GC.BringOutYourDeadInterval)

			routerDone := make(chan error, 1)
			go func() { routerDone <- dispatcher.Run(ctx) }()

			mux := http.NewServeMux()
			rpcServer := rpcapi.NewServer(kstore, workers, subs, notifier)
			rpcServer.RegisterRoutes(mux)
			if cfg.Metrics.Enabled {
				mux.Handle("/metrics", metrics.Handler())
			}

			bundleStore, err := openBundleStore(ctx, cfg.Bundle)
			if err != nil {
				return fmt.Errorf("configure bundle store: %w", err)
			}
			bundleMux := http.NewServeMux()
			bundle.NewServer(bundleStore).RegisterRoutes(bundleMux)

			controlServer := &http.Server{Addr: cfg.ControlPlane.HTTPAddr, Handler: mux}
			bundleAddr := ":8091"
			bundleServer := &http.Server{Addr: bundleAddr, Handler: bundleMux}

			errCh := make(chan error, 2)
			go func() {
				logging.Op().Info("control plane listening", "addr", cfg.ControlPlane.HTTPAddr)
				if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("control plane: %w", err)
				}
			}()
			go func() {
				logging.Op().Info("bundle server listening", "addr", bundleAddr)
				if err := bundleServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("bundle server: %w", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
			case err := <-errCh:
				logging.Op().Error("server error", "error", err)
			case err := <-routerDone:
				if err != nil && err != context.Canceled {
					logging.Op().Error("router stopped", "error", err)
				}
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = controlServer.Shutdown(shutdownCtx)
			_ = bundleServer.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "control plane HTTP address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	return cmd
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*store.KernelStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := store.NewPostgresRawStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		kstore := store.NewKernelStore(raw)
		return kstore, func() { _ = kstore.Close() }, nil
	case "mem", "":
		kstore := store.NewKernelStore(store.NewMemRawStore())
		return kstore, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openNotifier(cfg config.QueueConfig) (queue.Notifier, error) {
	switch cfg.Notifier {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisNotifier(client), nil
	case "channel", "":
		return queue.NewChannelNotifier(), nil
	case "noop":
		return queue.NewNoopNotifier(), nil
	default:
		return nil, fmt.Errorf("unknown queue notifier %q", cfg.Notifier)
	}
}

func openBundleStore(ctx context.Context, cfg config.BundleConfig) (bundle.Store, error) {
	if cfg.S3Bucket != "" {
		return s3store.New(ctx, cfg.S3Bucket, "")
	}
	return bundle.NewFileStore(cfg.FileRoot), nil
}

func workerFactory(cfg config.TransportConfig) (vatworker.Factory, error) {
	switch cfg.Default {
	case "vsockproc":
		return vsockproc.Factory(cfg.VsockPort), nil
	case "pipeproc":
		if len(cfg.PipeCommand) == 0 {
			return nil, fmt.Errorf("transport.pipe_command is required for the pipeproc transport")
		}
		return func(ctx context.Context, vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) (vatworker.Worker, error) {
			return pipeproc.New(ctx, vatID, bundleSpec, pipeproc.Options{Command: cfg.PipeCommand, Env: opts.Env})
		}, nil
	case "inproc", "":
		return nil, fmt.Errorf("transport %q requires an in-process handler factory; ocapd serve cannot host inproc vats on its own (use it from a test or an embedding program)", "inproc")
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Default)
	}
}

// runBringOutYourDead periodically schedules the bringOutYourDead
// pseudo-delivery for every tracked vat (spec.md §4.6), waking the router
// via notifier so the items are picked up promptly rather than waiting for
// its poll interval.
func runBringOutYourDead(ctx context.Context, kstore *store.KernelStore, workers *vatworker.Service, notifier queue.Notifier, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			infos := workers.List()
			err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
				for _, info := range infos {
					if err := gc.ScheduleBringOutYourDead(ctx, tx, info.ID); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				logging.Op().Warn("bringOutYourDead scheduling failed", "error", err)
				continue
			}
			if len(infos) > 0 {
				_ = notifier.Notify(ctx)
			}
		}
	}
}
