package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/axiestudio/voicebridge/internal/identity"
	"github.com/axiestudio/voicebridge/internal/observability/metrics"
	"github.com/axiestudio/voicebridge/internal/webhook"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

// Tool names as registered with the agent platform.
const (
	ToolGetName          = "get_firstandlastname"
	ToolGetEmail         = "get_email"
	ToolGetInfo          = "get_info"
	ToolSendFirstMessage = "send_first_message"
)

// Webhook source tags, one per tool.
const (
	SourceGetName          = "agent_triggered_get_firstandlastname_tool"
	SourceGetEmail         = "agent_triggered_get_email_tool"
	SourceGetInfo          = "agent_triggered_get_info_tool"
	SourceSendFirstMessage = "agent_requested_first_message"
	SourcePreCallForm      = "pre_call_form_submission"
)

// Handler services one tool call from the remote agent. Handlers never fail:
// the returned map always carries success plus diagnostic fields.
type Handler func(ctx context.Context, params map[string]any) map[string]any

// Surface exposes the four identity-retrieval tools the connected agent may
// invoke during a call. Every handler reads the store fresh, ignores any
// agent-supplied values for stored fields, and fires exactly one webhook
// event. The store is the single source of truth; agent parameters are
// advisory placeholders only.
type Surface struct {
	store     *identity.Store
	reporter  *webhook.Reporter
	logger    *logging.Logger
	metrics   *metrics.CallMetrics
	callStart func() time.Time
}

// NewSurface creates the tool surface.
func NewSurface(store *identity.Store, reporter *webhook.Reporter, logger *logging.Logger) *Surface {
	if store == nil {
		panic("tools: identity store cannot be nil")
	}
	if reporter == nil {
		panic("tools: webhook reporter cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Surface{
		store:     store,
		reporter:  reporter,
		logger:    logger,
		callStart: func() time.Time { return time.Time{} },
	}
}

// WithMetrics attaches call metrics.
func (s *Surface) WithMetrics(m *metrics.CallMetrics) *Surface {
	s.metrics = m
	return s
}

// WithCallStart supplies the active call's start time for duration fields.
// A zero time means no call is active.
func (s *Surface) WithCallStart(fn func() time.Time) *Surface {
	if fn != nil {
		s.callStart = fn
	}
	return s
}

// Registry returns the tool set to register with the realtime session.
func (s *Surface) Registry() map[string]Handler {
	return map[string]Handler{
		ToolGetName:          s.GetName,
		ToolGetEmail:         s.GetEmail,
		ToolGetInfo:          s.GetInfo,
		ToolSendFirstMessage: s.SendFirstMessage,
	}
}

// GetName returns the stored name fields and a completeness flag.
func (s *Surface) GetName(ctx context.Context, params map[string]any) map[string]any {
	s.observe(ToolGetName, params)
	rec := s.store.Load(ctx)

	fullName := rec.FullName()
	complete := rec.HasCompleteNames()
	message := "Partial or missing name data"
	if complete {
		message = fmt.Sprintf("Complete name: %s", fullName)
	}

	delivered := s.report(ctx, map[string]any{
		"first_name":         rec.FirstName,
		"last_name":          rec.LastName,
		"full_name":          fullName,
		"has_complete_names": complete,
		"tool_called":        ToolGetName,
		"call_duration":      s.callDuration(),
	}, SourceGetName)

	return map[string]any{
		"first_name":         rec.FirstName,
		"last_name":          rec.LastName,
		"full_name":          fullName,
		"has_complete_names": complete,
		"success":            true,
		"message":            message,
		"webhook_sent":       delivered,
	}
}

// GetEmail returns the stored email with a permissive format check.
func (s *Surface) GetEmail(ctx context.Context, params map[string]any) map[string]any {
	s.observe(ToolGetEmail, params)
	rec := s.store.Load(ctx)

	email := rec.Email
	valid := identity.ValidEmail(email)
	message := "No email provided"
	if email != "" {
		suffix := " (invalid format)"
		if valid {
			suffix = " (valid)"
		}
		message = fmt.Sprintf("Email: %s%s", email, suffix)
	}

	delivered := s.report(ctx, map[string]any{
		"email":         email,
		"email_length":  len(email),
		"email_valid":   valid,
		"has_email":     email != "",
		"tool_called":   ToolGetEmail,
		"call_duration": s.callDuration(),
	}, SourceGetEmail)

	return map[string]any{
		"email":        email,
		"email_length": len(email),
		"email_valid":  valid,
		"has_email":    email != "",
		"success":      true,
		"message":      message,
		"webhook_sent": delivered,
	}
}

// GetInfo returns everything the store holds plus completeness diagnostics.
func (s *Surface) GetInfo(ctx context.Context, params map[string]any) map[string]any {
	s.observe(ToolGetInfo, params)
	rec := s.store.Load(ctx)

	fullName := rec.FullName()
	emailValid := identity.ValidEmail(rec.Email)
	complete := rec.HasCompleteNames() && emailValid
	percentage := completionPercentage(rec)
	message := fmt.Sprintf("Partial info (%d%% complete)", percentage)
	if complete {
		message = fmt.Sprintf("Complete info: %s (%s)", fullName, rec.Email)
	}

	delivered := s.report(ctx, map[string]any{
		"email":                 rec.Email,
		"email_length":          len(rec.Email),
		"email_valid":           emailValid,
		"first_name":            rec.FirstName,
		"last_name":             rec.LastName,
		"full_name":             fullName,
		"first_message":         rec.FirstMessage,
		"first_message_length":  len(rec.FirstMessage),
		"complete_info":         complete,
		"completion_percentage": percentage,
		"tool_called":           ToolGetInfo,
		"call_duration":         s.callDuration(),
	}, SourceGetInfo)

	return map[string]any{
		"email":                 rec.Email,
		"email_length":          len(rec.Email),
		"email_valid":           emailValid,
		"first_name":            rec.FirstName,
		"last_name":             rec.LastName,
		"full_name":             fullName,
		"first_message":         rec.FirstMessage,
		"first_message_length":  len(rec.FirstMessage),
		"complete_info":         complete,
		"completion_percentage": percentage,
		"success":               true,
		"message":               message,
		"webhook_sent":          delivered,
	}
}

// SendFirstMessage hands the caller's preconfigured opening message to the
// agent along with an instruction on how to use it.
func (s *Surface) SendFirstMessage(ctx context.Context, params map[string]any) map[string]any {
	s.observe(ToolSendFirstMessage, params)
	rec := s.store.Load(ctx)

	msg := rec.FirstMessage
	words := WordCount(msg)
	hasMessage := msg != ""

	info := "No first message provided"
	instruction := "No first message - proceed with standard greeting"
	if hasMessage {
		info = fmt.Sprintf("User's message (%d chars, %d words): %q", len(msg), words, msg)
		instruction = "Respond directly to this user message"
	}

	delivered := s.report(ctx, map[string]any{
		"first_message":  msg,
		"message_length": len(msg),
		"word_count":     words,
		"has_message":    hasMessage,
		"user_name":      rec.FullName(),
		"user_email":     rec.Email,
		"tool_called":    ToolSendFirstMessage,
		"call_duration":  s.callDuration(),
	}, SourceSendFirstMessage)

	return map[string]any{
		"message":        msg,
		"message_length": len(msg),
		"word_count":     words,
		"success":        true,
		"has_message":    hasMessage,
		"info":           info,
		"instruction":    instruction,
		"webhook_sent":   delivered,
	}
}

// WordCount counts whitespace-delimited tokens, 0 for an empty message.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func completionPercentage(rec identity.Record) int {
	count := 0
	for _, f := range []string{rec.FirstName, rec.LastName, rec.Email, rec.FirstMessage} {
		if f != "" {
			count++
		}
	}
	return count * 100 / 4
}

func (s *Surface) observe(tool string, params map[string]any) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	s.logger.Info("client tool invoked", "tool", tool, "agent_param_keys", keys)
	s.metrics.ObserveToolCall(tool)
}

func (s *Surface) report(ctx context.Context, payload map[string]any, source string) bool {
	delivered := s.reporter.Report(ctx, payload, source)
	s.metrics.ObserveWebhook(delivered)
	return delivered
}

func (s *Surface) callDuration() int64 {
	start := s.callStart()
	if start.IsZero() {
		return 0
	}
	return time.Since(start).Milliseconds()
}
