package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"rtsp-relay-server/internal/config"
	"rtsp-relay-server/internal/gateway"
	"rtsp-relay-server/internal/logging"
	"rtsp-relay-server/internal/metrics"
	"rtsp-relay-server/internal/relay"
	"rtsp-relay-server/internal/server"
	"rtsp-relay-server/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Relay server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("Relay server exited")
}

func run(cfg *config.Config, log *slog.Logger) error {
	// Check if the decoder is available
	if err := exec.Command(cfg.Decoder.Binary, "-version").Run(); err != nil {
		return errors.New(cfg.Decoder.Binary + " is not installed or not in PATH")
	}

	m := metrics.New()
	launcher := &relay.FFmpegLauncher{
		Binary:        cfg.Decoder.Binary,
		RTSPTransport: cfg.Decoder.RTSPTransport,
		Bitrate:       cfg.Decoder.Bitrate,
		FrameRate:     cfg.Decoder.FrameRate,
		Logger:        log.With("component", "decoder"),
	}

	gw := gateway.New(func(key relay.Key) *relay.Channel {
		return relay.NewChannel(key, relay.Options{
			Width:    cfg.Relay.Width,
			Height:   cfg.Relay.Height,
			Network:  cfg.Relay.Protocol,
			Launcher: launcher,
			Restart: relay.RestartPolicy{
				MaxAttempts:    cfg.Decoder.Restart.MaxAttempts,
				InitialBackoff: cfg.Decoder.Restart.InitialBackoff,
				MaxBackoff:     cfg.Decoder.Restart.MaxBackoff,
			},
			StallTimeout: cfg.Decoder.StallTimeout,
			Logger:       log,
			Metrics:      m,
		})
	}, gateway.Options{
		ClientLimit:      cfg.Relay.ClientLimit,
		UseDiscriminator: cfg.Relay.UseDiscriminator,
		Logger:           log,
		Metrics:          m,
	})

	ws := transport.NewServer(gw, transport.Options{
		SendBuffer:   cfg.Relay.SendBuffer,
		ConnectRate:  cfg.Server.ConnectRate,
		ConnectBurst: cfg.Server.ConnectBurst,
		Logger:       log,
	})
	gw.Attach(ws)

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(gw, ws, server.Options{
		Addr:    cfg.Addr(),
		Metrics: m,
		Logger:  log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		gwErr := gw.Dispose(shutdownCtx)
		return errors.Join(httpErr, gwErr)
	})

	return g.Wait()
}
