package main

import (
	"log/slog"
	"net"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/config"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, origins *origin.Allowlist) {
	if logger == nil {
		logger = slog.Default()
	}

	if origins != nil && origins.Wildcard() {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows signaling upgrades from any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPeersPerRoom <= 0 {
		logger.Warn("startup security warning: MAX_PEERS_PER_ROOM is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_peers_per_room_unlimited_in_prod",
			"max_peers_per_room", cfg.MaxPeersPerRoom,
			"mode", cfg.Mode,
		)
	}

	// Warn if the signaling message cap is unusually large, since it weakens
	// the gateway's oversized message DoS hardening.
	if cfg.MaxSignalMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNAL_MESSAGE_BYTES is very large (weakens signaling DoS hardening; increases per-message allocation risk)",
			"warning_code", "max_signal_message_bytes_large",
			"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
			"mode", cfg.Mode,
		)
	}

	// A public listen address with no advertised NAT addresses usually means
	// the service gathers candidates the client cannot reach.
	if cfg.Mode == config.ModeProd &&
		config.IsUnspecifiedIP(listenIPOf(cfg.ListenAddr)) &&
		len(cfg.WebRTCNAT1To1IPs) == 0 {
		logger.Warn("startup warning: listening on all interfaces without WEBRTC_NAT_1TO1_IPS; ICE candidates may be unreachable behind NAT",
			"warning_code", "public_listen_without_nat_ips",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}
}

func listenIPOf(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
