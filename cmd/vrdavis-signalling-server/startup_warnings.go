package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/vrdavis/signalling-server/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any browser origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && listensOnAllInterfaces(cfg.ListenAddr) {
		logger.Warn("startup security warning: listening on all interfaces while --mode=prod",
			"warning_code", "listen_all_interfaces_in_prod",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE configuration invalid; clients get no STUN/TURN servers",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; clients behind NAT may fail to connect",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	// A long-lived negotiation window gives an attacker more time to guess
	// a pairing code.
	if cfg.PairingTimeout > 10*time.Minute {
		logger.Warn("startup security warning: VRDAVIS_PAIRING_TIMEOUT is very large (widens the pairing code guessing window)",
			"warning_code", "pairing_timeout_large",
			"pairing_timeout", cfg.PairingTimeout,
			"mode", cfg.Mode,
		)
	}

	// SDP offers are a few KiB; anything beyond 1MiB weakens the oversized
	// message hardening.
	if cfg.MaxMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALLING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func listensOnAllInterfaces(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return host == "" || host == "0.0.0.0" || host == "::"
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if strings.TrimSpace(s) == want {
			return true
		}
	}
	return false
}
