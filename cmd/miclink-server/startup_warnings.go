package main

import (
	"log/slog"
	"slices"

	"github.com/prchen818/MicLink/internal/config"
	"github.com/prchen818/MicLink/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Server) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.APIKeyDefaulted {
		logger.Warn("startup security warning: API_KEY is unset; using the built-in development key",
			"warning_code", "api_key_defaulted",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Any) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.EnableIPWhitelist && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: no authentication and no IP whitelist while --mode=prod",
			"warning_code", "open_signaling_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.EnableIPWhitelist && len(cfg.AllowedIPs) == 0 {
		logger.Warn("startup security warning: ENABLE_IP_WHITELIST=true with an empty ALLOWED_IPS allows every address",
			"warning_code", "ip_whitelist_empty",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (unlimited)",
			"warning_code", "signaling_rate_unlimited",
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
