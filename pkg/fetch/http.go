package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"livefeed/pkg/coordinator"
)

// CursorHeader carries the feed sequence a snapshot response is current to.
const CursorHeader = "X-Feed-Cursor"

const maxBody = 8 << 20

// HTTP pulls snapshots from the feed server. Transactions and errors are
// requested incrementally from the last cursor seen; metrics are always the
// latest reading.
type HTTP struct {
	client *http.Client
	url    string
	token  string

	mu     sync.Mutex
	cursor uint64
}

var _ coordinator.Fetcher = (*HTTP)(nil)

func NewHTTP(rawURL, token string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTP{client: client, url: rawURL, token: token}
}

func (h *HTTP) Fetch(ctx context.Context) (coordinator.PollResult, error) {
	h.mu.Lock()
	cursor := h.cursor
	h.mu.Unlock()

	u, err := url.Parse(h.url)
	if err != nil {
		return coordinator.PollResult{}, fmt.Errorf("snapshot url: %w", err)
	}
	q := u.Query()
	q.Set("cursor", strconv.FormatUint(cursor, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return coordinator.PollResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return coordinator.PollResult{}, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return coordinator.PollResult{}, fmt.Errorf("snapshot request: status %d", resp.StatusCode)
	}
	var out coordinator.PollResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return coordinator.PollResult{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if v := resp.Header.Get(CursorHeader); v != "" {
		if next, err := strconv.ParseUint(v, 10, 64); err == nil {
			h.mu.Lock()
			if next > h.cursor {
				h.cursor = next
			}
			h.mu.Unlock()
		}
	}
	return out, nil
}

// Cursor returns the last sequence acknowledged by the server.
func (h *HTTP) Cursor() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}
