package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/conference"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/config"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/httpserver"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media/pionengine"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/metrics"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/origin"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the media engine early so misconfigurations show up on
	// startup. ICE sockets are only opened once transports are created.
	engine, err := pionengine.New(engineOptions(cfg, logger))
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	origins, err := origin.NewAllowlist(cfg.AllowedOrigins)
	if err != nil {
		logger.Error("failed to parse allowed origins", "err", err)
		os.Exit(2)
	}

	logger.Info("starting foyer-sfu-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_rooms", cfg.MaxRooms,
		"max_peers_per_room", cfg.MaxPeersPerRoom,
		"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		"signal_messages_per_second", cfg.SignalMessagesPerSecond,
		"ws_ping_interval", cfg.WSPingInterval,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"media_codecs", len(cfg.MediaCodecs),
		"webrtc_nat_1to1_ips", len(cfg.WebRTCNAT1To1IPs),
	)

	logStartupSecurityWarnings(logger, cfg, origins)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	met := metrics.New()
	rooms := conference.NewRegistry(engine, conference.RegistryOptions{
		Logger:          logger,
		Metrics:         met,
		Codecs:          cfg.MediaCodecs,
		MaxRooms:        cfg.MaxRooms,
		MaxPeersPerRoom: cfg.MaxPeersPerRoom,
	})
	sig := signaling.NewServer(rooms, signaling.Options{
		Logger:            logger,
		Metrics:           met,
		Origins:           origins,
		MaxMessageBytes:   cfg.MaxSignalMessageBytes,
		MessagesPerSecond: cfg.SignalMessagesPerSecond,
		MessagesBurst:     cfg.SignalMessagesBurst,
		SendQueueSize:     cfg.SendQueueSize,
		PingInterval:      cfg.WSPingInterval,
		IdleTimeout:       cfg.WSIdleTimeout,
	})

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Signaling: sig,
		Metrics:   met.Handler(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		rooms.Close()
		_ = engine.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	rooms.Close()
	_ = engine.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func engineOptions(cfg config.Config, logger *slog.Logger) pionengine.Options {
	opts := pionengine.Options{
		Logger:               logger,
		NAT1To1IPs:           cfg.WebRTCNAT1To1IPs,
		ListenIP:             cfg.WebRTCUDPListenIP,
		NAT1To1CandidateType: webrtc.ICECandidateTypeHost,
	}
	if cfg.WebRTCNAT1To1IPCandidateType == config.NAT1To1CandidateTypeSrflx {
		opts.NAT1To1CandidateType = webrtc.ICECandidateTypeSrflx
	}
	if pr := cfg.WebRTCUDPPortRange; pr != nil {
		opts.UDPPortMin = pr.Min
		opts.UDPPortMax = pr.Max
	}
	return opts
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
