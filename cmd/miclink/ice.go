package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/config"
)

const iceFetchTimeout = 5 * time.Second

// fetchICEServers asks the presence server for its ICE list. TURN entries
// come back with credentials minted for cfg.UserID.
func fetchICEServers(ctx context.Context, client *http.Client, cfg config.Client) ([]webrtc.ICEServer, error) {
	iceURL, err := cfg.ICEURL()
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.ServerURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL, nil)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}
	req.Header.Set("X-MicLink-User", cfg.UserID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", iceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d: %s", iceURL, resp.StatusCode, body)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return payload.ICEServers, nil
}
