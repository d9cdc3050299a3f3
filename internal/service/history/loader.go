// Package history fetches prior conversation lines from the backend REST API.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/carelink/internal/logger"
)

// maxBodySize caps how much of a history response is read.
const maxBodySize = 4 << 20

// Loader reads conversation history for a chat partner.
type Loader struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewLoader creates a loader for the API at baseURL.
func NewLoader(baseURL string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Loader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logger.Component("history"),
	}
}

// Load returns the history between selfID and partnerID, oldest first. Failures are
// logged and degrade to an empty list so the live session can proceed without history.
func (l *Loader) Load(ctx context.Context, selfID, partnerID, token string) []Entry {
	entries, err := l.Fetch(ctx, selfID, partnerID, token)
	if err != nil {
		l.log.Warn("history unavailable, continuing without it", "partner_id", partnerID, "error", err)
		return []Entry{}
	}
	return entries
}

// Fetch is Load without the degradation; it reports what went wrong.
func (l *Loader) Fetch(ctx context.Context, selfID, partnerID, token string) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/chat/history/%s", l.baseURL, url.PathEscape(partnerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("history endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	p, err := decodePayload(body)
	if err != nil {
		return nil, err
	}

	entries, skipped := normalize(p, []string{selfID, partnerID})
	if skipped > 0 {
		l.log.Warn("skipped non-text history items", "partner_id", partnerID, "skipped", skipped)
	}
	l.log.Debug("history loaded", "partner_id", partnerID, "count", len(entries))
	return entries, nil
}
