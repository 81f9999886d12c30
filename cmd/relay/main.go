package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-relay/pkg/callback"
	"github.com/astromechza/automerge-relay/pkg/config"
	"github.com/astromechza/automerge-relay/pkg/logging"
	"github.com/astromechza/automerge-relay/pkg/logstore"
	"github.com/astromechza/automerge-relay/pkg/persistence"
	"github.com/astromechza/automerge-relay/pkg/relay"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	configVar := flag.String("config", "", "path to a yaml config file")
	hostVar := flag.String("host", "", "the host to listen on")
	portVar := flag.Int("port", 0, "the port to listen on")
	dsnVar := flag.String("dsn", "", "the update log store, empty keeps rooms in memory only")
	callbackVar := flag.String("callback-url", "", "url to post room snapshots to after updates")
	logFormatVar := flag.String("log-format", "", "text or json")
	flag.Parse()

	cfg := config.Default()
	if *configVar != "" {
		fromFile, err := config.Read(*configVar)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		cfg = fromFile
	}
	if *hostVar != "" {
		cfg.Server.Host = *hostVar
	}
	if *portVar != 0 {
		cfg.Server.Port = *portVar
	}
	if *dsnVar != "" {
		cfg.Persistence.DSN = *dsnVar
	}
	if *callbackVar != "" {
		cfg.Callback.URL = *callbackVar
	}
	if *logFormatVar != "" {
		cfg.Log.Format = *logFormatVar
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	cfg.PopulateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func mainInner() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.InitDefault(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := relay.Options{
		OutdatedTimeout: cfg.Awareness.OutdatedTimeout,
		Logger:          logger,
	}
	serverOpts := relay.ServerOptions{
		Conn: relay.ConnOptions{
			PingInterval: cfg.Connection.PingInterval,
			SendBuffer:   cfg.Connection.SendBuffer,
		},
		Logger: logger,
	}

	if cfg.Persistence.DSN != "" {
		logger.Info("Opening store")
		store, err := logstore.Open(ctx, cfg.Persistence.DSN)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		p := persistence.New(store, persistence.Options{
			CompactionThreshold: cfg.Persistence.CompactionThreshold,
			Logger:              logger,
		})
		defer func() {
			if err := p.Close(); err != nil {
				logger.Error("failed to close store", "err", err)
			}
		}()
		opts.Persistence = p
		serverOpts.Ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		}
	} else {
		logger.Warn("no store configured, rooms are kept in memory only")
	}

	registry := relay.NewRegistry(opts)
	server := relay.NewServer(registry, serverOpts)

	eg, egCtx := errgroup.WithContext(ctx)

	if cfg.Callback.URL != "" {
		webhook := callback.NewWebhook(callback.WebhookOptions{
			URL:     cfg.Callback.URL,
			Timeout: cfg.Callback.Timeout,
			Retries: cfg.Callback.Retries,
			Logger:  logger,
		}, registry.Snapshot)
		debouncer := callback.NewDebouncer(cfg.Callback.Wait, cfg.Callback.MaxWait, time.Now, webhook.Notify)
		registry.SetNotifier(debouncer)
		eg.Go(func() error {
			debouncer.Run(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		registry.Run(egCtx)
		return nil
	})

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: server.Handler(),
	}
	eg.Go(func() error {
		logger.Info("Listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop listener", "err", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to flush rooms: %w", err)
		}
		logger.Info("All rooms flushed")
		return nil
	})

	return eg.Wait()
}
