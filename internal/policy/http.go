package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/store"
)

// SessionHeader carries the loop session id to the decision service when
// the calling context has one.
const SessionHeader = "X-Goloop-Session"

// HTTPDecider asks a remote decision service over JSON.
//
// Request body:  {"agent": "...", "current_iteration": N, "max_iterations": M}
// Response body: {"allow": true, "reason": "...", "limit": L}
type HTTPDecider struct {
	url     string
	token   string
	client  *http.Client
	limiter *rateLimiter
}

// HTTPDeciderOptions configures NewHTTPDecider.
type HTTPDeciderOptions struct {
	URL   string
	Token string // sent as a bearer token when set
	// RequestsPerSecond paces calls per agent. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	Client            *http.Client
}

// NewHTTPDecider builds a decider for opts.URL.
func NewHTTPDecider(opts HTTPDeciderOptions) (*HTTPDecider, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("policy: http decider requires a url")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDecider{
		url:     opts.URL,
		token:   opts.Token,
		client:  client,
		limiter: newRateLimiter(opts.RequestsPerSecond, opts.Burst),
	}, nil
}

func (d *HTTPDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := d.limiter.Wait(ctx, req.AgentID); err != nil {
		return Decision{}, fmt.Errorf("policy: rate limit wait: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}
	if sid := store.SessionIDFromContext(ctx); sid != "" {
		httpReq.Header.Set(SessionHeader, sid)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: decision request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: read decision: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("policy: decision service returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var dec Decision
	if err := json.Unmarshal(data, &dec); err != nil {
		return Decision{}, fmt.Errorf("policy: decode decision: %w", err)
	}
	dec.Overridden = false
	return dec, nil
}
