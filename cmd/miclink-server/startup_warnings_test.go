package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/prchen818/MicLink/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

// recordingHandler keeps every record; attrs added via With are flattened.
type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	h := &recordingHandler{mu: &sync.Mutex{}, records: &[]recordedLog{}}
	return slog.New(h), func() []recordedLog {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]recordedLog(nil), *h.records...)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func hardenedConfig() config.Server {
	return config.Server{
		Logging:                       config.Logging{Mode: config.ModeProd},
		AuthMode:                      config.AuthModeAPIKey,
		APIKey:                        "secret",
		AllowedOrigins:                []string{"https://app.example.com"},
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
	}
}

func TestStartupSecurityWarnings_HardenedConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, hardenedConfig())
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.AuthMode = config.AuthModeNone
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	r, ok := codes["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
	if _, ok := codes["open_signaling_in_prod"]; !ok {
		t.Fatalf("expected warning_code=open_signaling_in_prod, got %#v", records())
	}
}

func TestStartupSecurityWarnings_DefaultedAPIKey(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.Mode = config.ModeDev
	cfg.APIKey = config.DefaultDevAPIKey
	cfg.APIKeyDefaulted = true
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["api_key_defaulted"]; !ok {
		t.Fatalf("expected warning_code=api_key_defaulted, got %#v", records())
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.AllowedOrigins = []string{"*"}
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_EmptyWhitelistAndUnlimitedRate(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.EnableIPWhitelist = true
	cfg.MaxSignalingMessagesPerSecond = 0
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	for _, want := range []string{"ip_whitelist_empty", "signaling_rate_unlimited"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("expected warning_code=%s, got %#v", want, records())
		}
	}
}
