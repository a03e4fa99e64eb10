package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/axiestudio/voicebridge/internal/observability/metrics"
	"github.com/axiestudio/voicebridge/internal/permission"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

// PermissionGate is the slice of the permission gate the controller needs.
type PermissionGate interface {
	Query(ctx context.Context) permission.State
	Request(ctx context.Context) permission.State
}

// IdentityClearer erases the caller's stored identity at call end.
type IdentityClearer interface {
	Clear(ctx context.Context)
}

// Config tunes the controller's connection policy.
type Config struct {
	AgentID        string
	ConnectionType string

	// ConnectTimeout bounds one dial attempt. An attempt that does not
	// reach connected in time counts as transport-transient.
	ConnectTimeout time.Duration
	// MaxAttempts is the automatic-retry ceiling.
	MaxAttempts int

	ConnectBackoffBase time.Duration
	ConnectBackoffMax  time.Duration
	ErrorBackoffBase   time.Duration
	ErrorBackoffMax    time.Duration
}

func (c *Config) withDefaults() {
	if c.ConnectionType == "" {
		c.ConnectionType = "webrtc"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 8 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ConnectBackoffBase <= 0 {
		c.ConnectBackoffBase = 3 * time.Second
	}
	if c.ConnectBackoffMax <= 0 {
		c.ConnectBackoffMax = 15 * time.Second
	}
	if c.ErrorBackoffBase <= 0 {
		c.ErrorBackoffBase = 2 * time.Second
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 10 * time.Second
	}
}

// Controller owns the session lifecycle: permission, dialing, retry with
// backoff, error classification, and exactly-once teardown. Transport events
// arrive on arbitrary goroutines; every transition is guarded by the current
// state plus a generation counter, so duplicate or out-of-order terminal
// events are safe no-ops.
type Controller struct {
	cfg      Config
	dialer   Dialer
	gate     PermissionGate
	identity IdentityClearer
	tools    map[string]ToolHandler
	logger   *logging.Logger
	metrics  *metrics.CallMetrics

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
	// retryHook observes scheduled retries; tests use it to assert delays.
	retryHook func(attempt int, delay time.Duration)

	mu         sync.Mutex
	state      State
	speaking   bool
	attempts   int
	lastErr    string
	callStart  time.Time
	conv       Conversation
	retryTimer *time.Timer
	// gen invalidates events and timers from a superseded dial. Bumped on
	// every new dial, retry schedule, teardown, and terminal transition.
	gen uint64
}

// NewController wires a controller. A missing agent id is a startup-time
// fatal condition for sessions: the controller is constructed in a visible
// configuration-error state instead of crashing the application.
func NewController(cfg Config, dialer Dialer, gate PermissionGate, store IdentityClearer, tools map[string]ToolHandler, logger *logging.Logger) *Controller {
	if dialer == nil {
		panic("session: dialer cannot be nil")
	}
	if gate == nil {
		panic("session: permission gate cannot be nil")
	}
	if store == nil {
		panic("session: identity store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.withDefaults()

	c := &Controller{
		cfg:       cfg,
		dialer:    dialer,
		gate:      gate,
		identity:  store,
		tools:     tools,
		logger:    logger,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		state:     StateIdle,
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		c.state = StateError
		c.lastErr = msgConfigMissing
		logger.Error("agent id missing, sessions disabled")
	}
	return c
}

// WithMetrics attaches call metrics.
func (c *Controller) WithMetrics(m *metrics.CallMetrics) *Controller {
	c.metrics = m
	return c
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	if now != nil {
		c.now = now
	}
	return c
}

// WithRetryHook registers an observer for scheduled retries.
func (c *Controller) WithRetryHook(fn func(attempt int, delay time.Duration)) *Controller {
	c.retryHook = fn
	return c
}

// Status returns a snapshot for status consumers.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Speaking:  c.speaking,
		Attempts:  c.attempts,
		Error:     c.lastErr,
		CallStart: c.callStart,
	}
}

// SessionID is the active call's start time in unix milliseconds, or ""
// when no call is live. The webhook reporter stamps this on every event.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callStart.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.callStart.UnixMilli(), 10)
}

// CallStart returns the active call's start time, zero when idle.
func (c *Controller) CallStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callStart
}

// Start begins a new session: permission first, then dial. Overlapping
// starts while a session is active are rejected with ErrAlreadyActive.
// Start returns once dialing is underway; progress is observable via
// Status and the controller retries transient dial failures on its own.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if strings.TrimSpace(c.cfg.AgentID) == "" {
		c.state = StateError
		c.lastErr = msgConfigMissing
		c.mu.Unlock()
		return &Error{Class: ClassConfig, Message: msgConfigMissing}
	}
	switch c.state {
	case StateIdle, StateError:
	default:
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.gen++
	gen := c.gen
	c.state = StateRequestingPermission
	c.attempts = 0
	c.lastErr = ""
	c.speaking = false
	c.mu.Unlock()

	state := c.gate.Query(ctx)
	if state != permission.StateGranted {
		state = c.gate.Request(ctx)
	}
	if state != permission.StateGranted {
		c.mu.Lock()
		if c.gen == gen && c.state == StateRequestingPermission {
			c.state = StateIdle
			c.lastErr = msgPermissionDenied
		}
		c.mu.Unlock()
		c.logger.Warn("session start blocked by permission", "state", state)
		return &Error{Class: ClassPermission, Message: msgPermissionDenied}
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateRequestingPermission {
		// user stopped while the consent prompt was open
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.metrics.ObserveSessionStart()
	c.logger.Info("starting session", "agent_id", c.cfg.AgentID, "connection_type", c.cfg.ConnectionType)
	go c.dial(gen)
	return nil
}

// Stop ends the session on behalf of the user. Safe no-op when idle;
// cancels any pending retry so a stale timer cannot revive a closed call.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateError:
		// explicit user action resets the terminal error
		c.state = StateIdle
		c.lastErr = ""
		c.attempts = 0
		c.mu.Unlock()
		return nil
	case StateDisconnecting:
		// a teardown is already in flight; it settles idle and clears
		// identity exactly once
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.cancelRetryLocked()
	conv := c.conv
	c.conv = nil
	c.state = StateDisconnecting
	c.speaking = false
	c.mu.Unlock()

	if conv != nil {
		if err := conv.Close(ctx); err != nil {
			c.logger.Warn("conversation close failed", "error", err)
		}
	}
	c.identity.Clear(ctx)

	c.mu.Lock()
	c.state = StateIdle
	c.callStart = time.Time{}
	c.attempts = 0
	c.lastErr = ""
	c.mu.Unlock()

	c.metrics.ObserveDisconnect("user")
	c.logger.Info("session ended by user")
	return nil
}

func (c *Controller) dial(gen uint64) {
	cfg := ConversationConfig{
		AgentID:        c.cfg.AgentID,
		ConnectionType: c.cfg.ConnectionType,
		Tools:          c.tools,
		Callbacks: Callbacks{
			OnDisconnect: func(reason string) { c.handleRemoteDisconnect(gen, reason) },
			OnError:      func(err error) { c.handleTransportError(gen, err) },
			OnMessage:    func(msg AgentMessage) { c.handleMessage(gen, msg) },
			OnSpeaking:   func(speaking bool) { c.handleSpeaking(gen, speaking) },
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	conv, err := c.dialer.Dial(ctx, cfg)
	if err != nil {
		c.handleConnectFailure(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// superseded while dialing; never adopt the connection
		c.mu.Unlock()
		_ = conv.Close(context.Background())
		return
	}
	c.conv = conv
	c.state = StateConnected
	c.attempts = 0
	c.callStart = c.now()
	c.lastErr = ""
	c.mu.Unlock()

	c.metrics.ObserveConnect()
	c.logger.Info("connected to agent", "conversation_id", conv.ID())
}

func (c *Controller) handleConnectFailure(gen uint64, err error) {
	class := Classify(err)
	c.logger.Warn("session dial failed", "class", class, "error", err)
	if class == ClassTransient {
		c.retryOrFail(gen, err, c.cfg.ConnectBackoffBase, c.cfg.ConnectBackoffMax, "connect")
		return
	}
	c.terminate(gen, class, userMessage(class))
}

func (c *Controller) handleTransportError(gen uint64, err error) {
	class := Classify(err)
	c.logger.Warn("transport error", "class", class, "error", err)
	if class == ClassTransient {
		c.retryOrFail(gen, err, c.cfg.ErrorBackoffBase, c.cfg.ErrorBackoffMax, "call")
		return
	}
	c.terminate(gen, class, userMessage(class))
}

// retryOrFail implements the retry-or-error policy for transient failures.
func (c *Controller) retryOrFail(gen uint64, cause error, base, max time.Duration, phase string) {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateConnecting && c.state != StateConnected) {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.terminateLocked(ClassTransient, msgRetriesExhausted)
		c.mu.Unlock()
		c.finishTerminate(ClassTransient)
		return
	}
	delay := backoffDelay(base, max, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.gen++
	next := c.gen
	conv := c.conv
	c.conv = nil
	c.state = StateConnecting
	c.speaking = false
	c.callStart = time.Time{}
	c.cancelRetryLocked()
	c.retryTimer = c.afterFunc(delay, func() { c.onRetryTimer(next) })
	c.mu.Unlock()

	if conv != nil {
		go func() { _ = conv.Close(context.Background()) }()
	}
	c.metrics.ObserveRetry(phase)
	if c.retryHook != nil {
		c.retryHook(attempt, delay)
	}
	c.logger.Warn("scheduling reconnect",
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"delay", delay,
		"cause", cause,
	)
}

func (c *Controller) onRetryTimer(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()
	c.dial(gen)
}

// handleRemoteDisconnect tears down after the remote side ended the call.
func (c *Controller) handleRemoteDisconnect(gen uint64, reason string) {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateConnected && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.cancelRetryLocked()
	conv := c.conv
	c.conv = nil
	c.state = StateDisconnecting
	c.speaking = false
	c.mu.Unlock()

	if conv != nil {
		_ = conv.Close(context.Background())
	}
	c.identity.Clear(context.Background())

	c.mu.Lock()
	c.state = StateIdle
	c.callStart = time.Time{}
	c.attempts = 0
	c.mu.Unlock()

	c.metrics.ObserveDisconnect("remote")
	c.logger.Info("agent disconnected", "reason", reason)
}

func (c *Controller) handleSpeaking(gen uint64, speaking bool) {
	c.mu.Lock()
	if c.gen == gen && c.state == StateConnected {
		c.speaking = speaking
	}
	c.mu.Unlock()
}

func (c *Controller) handleMessage(gen uint64, msg AgentMessage) {
	c.mu.Lock()
	live := c.gen == gen && c.state == StateConnected
	c.mu.Unlock()
	if !live {
		return
	}
	preview := msg.Text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	c.logger.Debug("agent message", "type", msg.Type, "preview", preview)
}

// terminate force-closes any partially open session and settles in the
// terminal error state. Identity is cleared so terminal error is always
// consistent with idle.
func (c *Controller) terminate(gen uint64, class Class, userMsg string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conv := c.conv
	c.terminateLocked(class, userMsg)
	c.mu.Unlock()

	if conv != nil {
		_ = conv.Close(context.Background())
	}
	c.finishTerminate(class)
}

func (c *Controller) terminateLocked(class Class, userMsg string) {
	c.gen++
	c.cancelRetryLocked()
	c.conv = nil
	c.state = StateError
	c.lastErr = userMsg
	c.speaking = false
	c.callStart = time.Time{}
}

func (c *Controller) finishTerminate(class Class) {
	c.identity.Clear(context.Background())
	c.metrics.ObserveTerminalError(string(class))
	c.metrics.ObserveDisconnect("error")
	c.logger.Error("session terminal", "class", class)
}

func (c *Controller) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func userMessage(class Class) string {
	switch class {
	case ClassConfig:
		return msgConfigMissing
	case ClassPermission:
		return msgPermissionDenied
	case ClassTransient:
		return msgRetriesExhausted
	default:
		return msgCallFailed
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
