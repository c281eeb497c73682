// Package client is the Go SDK for the voxpipe ops API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Run one scheduler tick for a single session
//	res, err := c.RunLoop(ctx, client.RunLoopRequest{SessionID: "65f0…"})
//
//	// Close a session and queue its post-processors
//	s, err := c.Done(ctx, "65f0…")
//
//	// Follow UI events for a session
//	events, err := c.Watch(ctx, "65f0…")
//	for ev := range events {
//	    fmt.Println(ev.Event, string(ev.Payload))
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As(err, &apiErr) to inspect the HTTP status and
// server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the voxpipe server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voxpipe: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the server rejected the API key.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
// A manual tick over many sessions can take longer than that.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the voxpipe API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the voxpipe server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://voxpipe.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Types ────────────────────────────────────────────────────────────────────

// HealthInfo is the /health response.
type HealthInfo struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	RuntimeTag string `json:"runtime_tag"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Version    string `json:"version"`
}

// MemoryInfo is the work queue footprint against its ceiling.
type MemoryInfo struct {
	Used       int64   `json:"used"`
	Max        int64   `json:"max"`
	UsedHuman  string  `json:"used_human"`
	MaxHuman   string  `json:"max_human"`
	Percentage float64 `json:"percentage"`
	Policy     string  `json:"policy"`
}

// RunLoopRequest scopes a manual tick. Zero values scan the default batch.
type RunLoopRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// TickResult holds the counters of one tick.
type TickResult struct {
	ScannedSessions        int `json:"scanned_sessions"`
	RequeuedTranscriptions int `json:"requeued_transcriptions"`
	ResetLocks             int `json:"reset_locks"`
	ExhaustedStages        int `json:"exhausted_stages"`
	EnqueuedJobs           int `json:"enqueued_jobs"`
	FinalizedSessions      int `json:"finalized_sessions"`
	SkippedFinalize        int `json:"skipped_finalize"`
	PendingTranscriptions  int `json:"pending_transcriptions"`
	PendingCategorizations int `json:"pending_categorizations"`
}

// Session carries the lifecycle fields of a session document.
type Session struct {
	ID                  string    `json:"_id"`
	RuntimeTag          string    `json:"runtime_tag,omitempty"`
	ProjectID           string    `json:"project_id,omitempty"`
	IsActive            bool      `json:"is_active"`
	IsMessagesProcessed bool      `json:"is_messages_processed"`
	ToFinalize          bool      `json:"to_finalize"`
	IsPostprocessing    bool      `json:"is_postprocessing"`
	IsFinalized         bool      `json:"is_finalized"`
	SessionProcessors   []string  `json:"session_processors"`
	DoneAt              time.Time `json:"done_at"`
	DoneCount           int       `json:"done_count,omitempty"`
}

// DedupGroup is one set of same-named attachments and the survivor.
type DedupGroup struct {
	FileName     string   `json:"file_name"`
	WinnerID     string   `json:"winner_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
}

// DedupPlan is the dedup preview for one session.
type DedupPlan struct {
	SessionID         string       `json:"session_id"`
	ScannedMessages   int          `json:"scanned_messages"`
	CandidateMessages int          `json:"candidate_messages"`
	Groups            []DedupGroup `json:"groups"`
}

// DedupResult reports what an applied plan changed.
type DedupResult struct {
	SessionID         string `json:"session_id"`
	Groups            int    `json:"groups"`
	DuplicatesDeleted int    `json:"duplicates_marked_deleted"`
}

// Event is one UI change event pushed over the session websocket.
type Event struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ─── Ops ──────────────────────────────────────────────────────────────────────

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Memory returns the work queue memory report.
func (c *Client) Memory(ctx context.Context) (*MemoryInfo, error) {
	var out MemoryInfo
	if err := c.do(ctx, http.MethodGet, "/api/memory", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Queues returns per-queue job counts by state.
func (c *Client) Queues(ctx context.Context) (map[string]map[string]int, error) {
	var out struct {
		Queues map[string]map[string]int `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/queues", nil, &out); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

// RunLoop runs one scheduler tick now and returns its counters.
func (c *Client) RunLoop(ctx context.Context, req RunLoopRequest) (*TickResult, error) {
	var out TickResult
	if err := c.do(ctx, http.MethodPost, "/api/loop/run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// Done closes a session. A 202 response means the session was closed but
// some post-processors were not queued; the returned error says which.
func (c *Client) Done(ctx context.Context, sessionID string) (*Session, error) {
	var out struct {
		Session *Session `json:"session"`
		Error   string   `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/done", nil, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return out.Session, errors.New("voxpipe: " + out.Error)
	}
	return out.Session, nil
}

// DedupPlan previews the duplicate-attachment cleanup of a session.
func (c *Client) DedupPlan(ctx context.Context, sessionID string) (*DedupPlan, error) {
	var out DedupPlan
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/dedup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DedupApply plans and applies the cleanup in one call.
func (c *Client) DedupApply(ctx context.Context, sessionID string) (*DedupPlan, *DedupResult, error) {
	var out struct {
		Plan   DedupPlan   `json:"plan"`
		Result DedupResult `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/dedup", nil, &out); err != nil {
		return nil, nil, err
	}
	return &out.Plan, &out.Result, nil
}

// Watch subscribes to the session's UI events. The channel is closed when
// ctx is done or the connection drops.
func (c *Client) Watch(ctx context.Context, sessionID string) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/ws/sessions/" + url.PathEscape(sessionID))
	if err != nil {
		return nil, fmt.Errorf("voxpipe: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("voxpipe: dial %s: %w", u, err)
	}

	out := make(chan Event, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if json.Unmarshal(raw, &ev) != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("voxpipe: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("voxpipe: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voxpipe: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("voxpipe: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("voxpipe: decode response: %w", err)
		}
	}
	return nil
}
