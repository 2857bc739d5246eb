// Command oto runs the reverse proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/datastore"
	"github.com/oto-proxy/oto/internal/events"
	"github.com/oto-proxy/oto/internal/gate"
	"github.com/oto-proxy/oto/internal/loadbalancer"
	"github.com/oto-proxy/oto/internal/logging"
	"github.com/oto-proxy/oto/internal/privateapps"
	"github.com/oto-proxy/oto/internal/proxy"
	"github.com/oto-proxy/oto/internal/quota"
	"github.com/oto-proxy/oto/internal/router"
	"github.com/oto-proxy/oto/internal/seccom"
	"github.com/oto-proxy/oto/internal/server"
	"github.com/oto-proxy/oto/internal/stats"
)

func main() {
	configPath := flag.String("config", "oto.yaml", "path to the configuration file")
	watch := flag.Bool("watch", true, "reload the configuration on file change")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "oto:", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store datastore.Store
	if cfg.Redis.Enabled {
		store, err = datastore.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		logging.Info("Using redis datastore", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = datastore.NewMemoryStore()
		logging.Info("Using in-memory datastore")
	}
	defer store.Close()

	snap := config.NewSnapshot(cfg)
	view := config.NewView(snap)

	rt := router.New(cfg.Global.Env)
	rt.Rebuild(snap)

	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	live := stats.NewLiveStats()
	sink := events.NewLogSink()
	exchange := seccom.NewExchange(store)
	selector := loadbalancer.NewSelector(cfg.Global.Region, cfg.Global.Zone)
	pool := proxy.NewTransportPool()
	defer pool.CloseIdle()

	srv := server.New(server.Deps{
		View:     view,
		Router:   rt,
		Gate:     gate.New(quota.NewChecker(store), sink),
		Proxy:    proxy.New(pool, selector, exchange),
		Live:     live,
		Sink:     sink,
		Sessions: privateapps.NewSessionStore(),
		Metrics:  server.NewMetricsHandler(view, live, store, nodeID, cfg.Cluster.Leader),
	})

	group, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		logging.Info("HTTP listener started", zap.String("addr", cfg.Listen.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpsServer *http.Server
	if cfg.Listen.HTTPSAddr != "" {
		httpsServer = &http.Server{
			Addr:              cfg.Listen.HTTPSAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			logging.Info("HTTPS listener started", zap.String("addr", cfg.Listen.HTTPSAddr))
			err := httpsServer.ListenAndServeTLS(cfg.Listen.TLSCertFile, cfg.Listen.TLSKeyFile)
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if watch {
		watcher := config.NewWatcher(configPath, view, func(s *config.Snapshot) {
			rt.Rebuild(s)
		})
		group.Go(func() error {
			if err := watcher.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.Cluster.Enabled {
		publisher := stats.NewPublisher(store, live, nodeID, cfg.Cluster.PublishInterval)
		group.Go(func() error {
			if err := publisher.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if httpsServer != nil {
			httpsServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
