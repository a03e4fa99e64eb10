package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestReportEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep, err := New(Config{
		URL:       srv.URL,
		Logger:    logging.New("error"),
		SessionID: func() string { return "1724932800000" },
	})
	require.NoError(t, err)

	ok := rep.Report(context.Background(), map[string]any{"email": "anna@x.se", "has_email": true}, "agent_triggered_get_email_tool")
	require.True(t, ok)

	assert.Equal(t, "anna@x.se", got["email"])
	assert.Equal(t, true, got["has_email"])
	assert.Equal(t, "agent_triggered_get_email_tool", got["source"])
	assert.Equal(t, "1724932800000", got["session_id"])
	assert.NotEmpty(t, got["user_agent"])

	ts, ok := got["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err, "timestamp must be RFC3339")
}

func TestReportUnknownSession(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rep, err := New(Config{URL: srv.URL, Logger: logging.New("error")})
	require.NoError(t, err)

	assert.True(t, rep.Report(context.Background(), map[string]any{}, "pre_call_form_submission"))
	assert.Equal(t, UnknownSession, got["session_id"])
}

func TestReportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	rep, err := New(Config{URL: srv.URL, Logger: logging.New("error")})
	require.NoError(t, err)

	assert.False(t, rep.Report(context.Background(), map[string]any{"k": "v"}, "test"))
}

func TestReportUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening any more

	rep, err := New(Config{URL: srv.URL, Logger: logging.New("error"), Timeout: time.Second})
	require.NoError(t, err)

	assert.False(t, rep.Report(context.Background(), map[string]any{"k": "v"}, "test"))
}

func TestReportContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	rep, err := New(Config{URL: srv.URL, Logger: logging.New("error")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.False(t, rep.Report(ctx, map[string]any{}, "test"))
}

func TestReportUnmarshalablePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for an unmarshalable payload")
	}))
	defer srv.Close()

	rep, err := New(Config{URL: srv.URL, Logger: logging.New("error")})
	require.NoError(t, err)

	assert.False(t, rep.Report(context.Background(), map[string]any{"bad": func() {}}, "test"))
}
