// Command vrdavis-signalling-server runs the pairing and WebRTC
// signalling relay for VR headset and desktop clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/vrdavis/signalling-server/internal/config"
	"github.com/vrdavis/signalling-server/internal/httpserver"
	"github.com/vrdavis/signalling-server/internal/metrics"
	"github.com/vrdavis/signalling-server/internal/pairstore"
	"github.com/vrdavis/signalling-server/internal/registry"
	"github.com/vrdavis/signalling-server/internal/signaling"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	log.Info("starting vrdavis-signalling-server",
		"version", version,
		"commit", commit,
		"mode", cfg.Mode,
		"listen_addr", cfg.ListenAddr,
		"store_path", cfg.StorePath)
	logStartupSecurityWarnings(log, cfg)

	store, err := pairstore.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening pair store: %w", err)
	}
	log.Info("pair store open", "path", store.Path(), "pairs", len(store.Pairs()))

	met := metrics.New()
	reg := registry.New()
	handler := signaling.NewHandler(log, reg, store, met, cfg.PairingTimeout)
	signalSrv := signaling.NewServer(log, handler, met, signaling.ServerConfig{
		AllowedOrigins:       cfg.AllowedOrigins,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})

	build := httpserver.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}
	srv := httpserver.New(log, cfg, build, signalSrv, met)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete, forcing close", "err", err)
		_ = srv.Close()
	}
	<-errCh
	log.Info("shutdown complete")
	return nil
}
