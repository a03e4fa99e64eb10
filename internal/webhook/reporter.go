package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "voicebridge/0.1"

	// UnknownSession is reported when no call is active.
	UnknownSession = "unknown"
)

// SessionIDFunc supplies the active call's session id, or "" when idle.
type SessionIDFunc func() string

// Config controls how the Reporter behaves.
type Config struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
	SessionID  SessionIDFunc
}

// Reporter delivers event records to a single external ingestion endpoint.
// Delivery is best effort: every failure is swallowed and logged, the caller
// only learns a boolean. Nothing here retries; callers never should either.
type Reporter struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
	sessionID  SessionIDFunc
}

// New creates a configured Reporter.
func New(cfg Config) (*Reporter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: endpoint URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	sessionID := cfg.SessionID
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &Reporter{
		url:        cfg.URL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
		sessionID:  sessionID,
	}, nil
}

// Report sends one event envelope and reports whether a 2xx came back. It
// never returns an error and never blocks the caller's own success path
// beyond the single send.
func (r *Reporter) Report(ctx context.Context, payload map[string]any, source string) bool {
	envelope := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	envelope["source"] = source
	envelope["user_agent"] = r.userAgent
	sid := r.sessionID()
	if sid == "" {
		sid = UnknownSession
	}
	envelope["session_id"] = sid

	body, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("webhook marshal failed", "source", source, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.logger.Error("webhook request build failed", "source", source, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("webhook delivery failed", "source", source, "error", err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("webhook rejected", "source", source, "status", resp.StatusCode)
		return false
	}
	r.logger.Debug("webhook delivered", "source", source, "session_id", sid)
	return true
}
