package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Abooow/EzLiveServer/internal/api"
	"github.com/Abooow/EzLiveServer/internal/config"
	"github.com/Abooow/EzLiveServer/internal/events"
	"github.com/Abooow/EzLiveServer/internal/index"
	"github.com/Abooow/EzLiveServer/internal/logging"
	"github.com/Abooow/EzLiveServer/internal/metrics"
	"github.com/Abooow/EzLiveServer/internal/storage"
	"github.com/Abooow/EzLiveServer/internal/watcher"
)

const httpShutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewLocal(cfg.Dir)
	if err != nil {
		return err
	}
	logging.Info("EzLive Server starting...", zap.String("dir", store.Root()))

	idx := index.New(store.Root(), cfg.DefaultExtension)
	w, err := watcher.New(watcher.Config{
		Debounce: cfg.Debounce,
		Ignore:   cfg.Ignore,
	}, idx, store)
	if err != nil {
		return fmt.Errorf("watcher init: %w", err)
	}

	hub := events.NewHub(events.Config{
		SendInterval: cfg.SendInterval,
		CloseTimeout: cfg.CloseTimeout,
		MaxQueue:     cfg.MaxQueue,
		OnMessage: func(id uint64, msg string) {
			logging.Debug("client message", zap.Uint64("subscriber", id), zap.String("message", msg))
		},
	})

	var inject string
	if cfg.InjectFile != "" {
		data, err := os.ReadFile(cfg.InjectFile)
		if err != nil {
			w.Close()
			return fmt.Errorf("read inject file: %w", err)
		}
		inject = string(data)
	}

	srv, err := api.NewServer(api.Options{
		Index:            idx,
		Hub:              hub,
		Store:            store,
		DefaultExtension: cfg.DefaultExtension,
		InjectHTML:       inject,
		NotFoundFile:     cfg.NotFoundFile,
		HTMLCacheSize:    cfg.HTMLCacheSize,
	})
	if err != nil {
		w.Close()
		return err
	}

	ln, err := api.Listen(cfg.Host, cfg.Port)
	if err != nil {
		w.Close()
		return err
	}

	if err := w.StartWatching(ctx); err != nil {
		ln.Close()
		w.Close()
		return fmt.Errorf("start watching: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	logging.Info("Serving", zap.String("url", serverURL(ln.Addr())))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return srv.Relay(gctx, w.Events())
	})

	if metricsServer != nil {
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down...")
		return shutdown(httpServer, metricsServer, w, hub, cfg.CloseTimeout)
	})

	return g.Wait()
}

// shutdown stops intake first, then the watcher, then closes the live
// reload connections.
func shutdown(httpServer, metricsServer *http.Server, w *watcher.Watcher, hub *events.Hub, closeTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if err := w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("watcher close: %w", err))
	}

	hubCtx, hubCancel := context.WithTimeout(context.Background(), closeTimeout+time.Second)
	defer hubCancel()
	if err := hub.Shutdown(hubCtx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	logging.Info("Server stopped")
	return errors.Join(errs...)
}

// serverURL is the address users open in a browser.
func serverURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String() + "/"
	}
	host := "localhost"
	if !tcp.IP.IsUnspecified() && !tcp.IP.IsLoopback() {
		host = tcp.IP.String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port)) + "/"
}
