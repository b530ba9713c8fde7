// Package remotevalidator implements tokenstore.Validator against a peer
// broker's validation endpoint. It lets a relay-only node defer all token
// trust decisions to a central auth service, mirroring a split deployment
// where issuance and streaming are separate processes.
package remotevalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cellium/mcp-relay/tokenstore"
)

const validatePath = "/auth/validate"

// Validator calls a remote POST /auth/validate endpoint.
type Validator struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient overrides the HTTP client used for validation calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithLogger sets the logger for request failures.
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// New creates a Validator against the auth collaborator at baseURL, e.g.
// "http://auth.internal:8000".
func New(baseURL string, opts ...Option) (*Validator, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse validator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("validator url %q: unsupported scheme %q", baseURL, u.Scheme)
	}

	v := &Validator{
		endpoint: strings.TrimSuffix(baseURL, "/") + validatePath,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validate posts the token to the remote endpoint. Transport and non-200
// failures are errors; an invalid token is a result.
func (v *Validator) Validate(ctx context.Context, tokenString string) (tokenstore.ValidationResult, error) {
	body, err := json.Marshal(validateRequest{Token: tokenString})
	if err != nil {
		return tokenstore.ValidationResult{}, fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return tokenstore.ValidationResult{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := v.client.Do(req)
	if err != nil {
		return tokenstore.ValidationResult{}, fmt.Errorf("call validator: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		v.log.LogAttrs(ctx, slog.LevelWarn, "auth.remote.status",
			slog.Int("status", res.StatusCode),
			slog.Duration("dur", time.Since(start)),
		)
		return tokenstore.ValidationResult{}, fmt.Errorf("validator returned status %d", res.StatusCode)
	}

	var vr validateResponse
	if err := json.NewDecoder(res.Body).Decode(&vr); err != nil {
		return tokenstore.ValidationResult{}, fmt.Errorf("decode validate response: %w", err)
	}

	if !vr.Valid {
		reason := vr.Error
		if reason == "" {
			reason = tokenstore.ReasonUnknown
		}
		return tokenstore.ValidationResult{Valid: false, Reason: reason}, nil
	}

	source := tokenstore.Source(vr.Source)
	if source == "" {
		source = tokenstore.SourceAuthoritative
	}
	return tokenstore.ValidationResult{Valid: true, Username: vr.Username, Source: source}, nil
}

var _ tokenstore.Validator = (*Validator)(nil)
