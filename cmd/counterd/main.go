// Command counterd serves tally partitions over HTTP.
//
// A single counterd hosts shards and aggregators for any number of
// partitions. With --global-url set, shard flushes are forwarded to the
// counterd at that address instead of the local aggregators.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/config"
	"github.com/dreamware/tally/internal/dispatch"
	"github.com/dreamware/tally/internal/logging"
	"github.com/dreamware/tally/internal/metrics"
	"github.com/dreamware/tally/internal/mirror"
	"github.com/dreamware/tally/internal/storage"
)

// logFatal is replaced in tests.
var logFatal = logging.Fatal

const upstreamProbeInterval = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "counterd",
		Short:        "Sharded counter aggregation server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", configFile, err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")
	return cmd
}

// app is everything a running counterd owns.
type app struct {
	reg     *dispatch.Registry
	cache   *mirror.CachedReader
	monitor *dispatch.UpstreamMonitor
	server  *server
}

// newApp builds the store provider, mirror, registry and handlers from cfg.
func newApp(ctx context.Context, cfg config.Config, log logr.Logger) (*app, error) {
	var provider storage.Provider
	switch cfg.StoreDriver {
	case "memory":
		provider = storage.NewMemoryProvider()
	default:
		p, err := storage.NewSQLiteProvider(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		provider = p
	}

	var store mirror.Store
	switch cfg.MirrorBackend {
	case "memory":
		store = mirror.NewMemoryStore()
	default:
		bucket, err := mirror.NewBucket(ctx, cfg.MirrorBackend, cfg.MirrorDir, cfg.MirrorProject, cfg.MirrorBucket)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("open mirror: %w", err), provider.Close())
		}
		store = mirror.NewBucketStore(bucket)
		log.Info("mirror bucket opened", "uri", bucket.URI())
	}

	opts := dispatch.Options{
		Family:   cfg.Family,
		Provider: provider,
		Mirror:   store,
		Log:      log,
	}
	var monitor *dispatch.UpstreamMonitor
	if cfg.GlobalURL != "" {
		client := cluster.NewGlobalClient(cfg.GlobalURL)
		opts.Remote = client
		monitor = dispatch.NewUpstreamMonitor(client.BaseURL, client.Ping, upstreamProbeInterval, nil, log)
	}
	reg, err := dispatch.NewRegistry(opts)
	if err != nil {
		return nil, multierr.Append(err, provider.Close())
	}

	cache := mirror.NewCachedReader(store, cfg.MirrorCacheTTL)
	return &app{
		reg:     reg,
		cache:   cache,
		monitor: monitor,
		server: &server{
			reg:     reg,
			mirror:  cache,
			monitor: monitor,
			log:     log.WithName("http"),
		},
	}, nil
}

func (a *app) start(ctx context.Context) {
	if a.monitor != nil {
		a.monitor.Start(ctx)
	}
}

func (a *app) Close() error {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.cache.Close()
	return a.reg.Close()
}

func run(ctx context.Context, cfg config.Config, log logr.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.start(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("counterd listening", "addr", cfg.Listen,
			"shards", cfg.Family.ShardCount, "remote", cfg.GlobalURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal(log, err, "listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := srv.Shutdown(shutdownCtx)
	errs = multierr.Append(errs, a.Close())
	if errs != nil {
		log.Error(errs, "shutdown")
	}
	log.Info("counterd stopped")
	return errs
}
