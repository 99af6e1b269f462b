package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relaymesh/internal/types"
)

const maxInfoBody = 1 << 20

// FetchInfo retrieves a relay's NIP-11 information document over HTTP.
// The websocket URL is converted to its HTTP counterpart and the request
// carries the application/nostr+json accept header. ResponseTimeMs is
// always populated, including on failure.
func FetchInfo(ctx context.Context, relayURL string, timeout time.Duration) (types.RelayInfo, error) {
	httpURL, err := infoURL(relayURL)
	if err != nil {
		return types.RelayInfo{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpURL, nil)
	if err != nil {
		return types.RelayInfo{}, err
	}
	req.Header.Set("Accept", "application/nostr+json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return types.RelayInfo{ResponseTimeMs: elapsed}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.RelayInfo{ResponseTimeMs: elapsed}, fmt.Errorf("info document: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBody))
	if err != nil {
		return types.RelayInfo{ResponseTimeMs: elapsed}, err
	}

	var info types.RelayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return types.RelayInfo{ResponseTimeMs: elapsed}, fmt.Errorf("info document: %w", err)
	}
	info.ResponseTimeMs = elapsed
	return info, nil
}

// infoURL maps ws/wss relay URLs to their http/https info endpoint.
func infoURL(relayURL string) (string, error) {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + relayURL[len("wss://"):], nil
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + relayURL[len("ws://"):], nil
	}
	return "", fmt.Errorf("not a relay URL: %s", relayURL)
}
