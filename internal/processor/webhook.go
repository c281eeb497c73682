package processor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when the
// webhook has a secret.
const SignatureHeader = "X-Voxpipe-Signature"

// maxResponse caps how much of a worker response is read.
const maxResponse = 8 << 20

// Webhook POSTs the Input as JSON to an external worker.
//
// 200 decodes an Output. 429, or any error body mentioning
// insufficient_quota, is a *QuotaError. Everything else is a plain error.
type Webhook struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhook returns a Webhook named name. timeout <= 0 means two minutes.
func NewWebhook(name, url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Webhook{name: name, url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Process implements Processor.
func (w *Webhook) Process(ctx context.Context, in Input) (Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("processor %s: marshal input: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("processor %s: build request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("processor %s: POST %s: %w", w.name, w.url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return Output{}, fmt.Errorf("processor %s: read response: %w", w.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || strings.Contains(string(raw), types.RetryReasonQuota) {
		return Output{}, &QuotaError{Processor: w.name, Detail: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("processor %s: worker returned %d", w.name, resp.StatusCode)
	}

	var out Output
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, fmt.Errorf("processor %s: decode response: %w", w.name, err)
	}
	return out, nil
}
