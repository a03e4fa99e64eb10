package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiestudio/voicebridge/internal/permission"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

var errDataChannel = errors.New("DataChannel negotiation failed: sctp-failure")

type fakeConv struct {
	id     string
	cbs    Callbacks
	closes atomic.Int32
}

func (c *fakeConv) ID() string                      { return c.id }
func (c *fakeConv) Close(ctx context.Context) error { c.closes.Add(1); return nil }

type fakeDialer struct {
	mu     sync.Mutex
	script []error // error per dial attempt; nil means success
	dials  int
	convs  []*fakeConv
	block  chan struct{} // when set, Dial waits for it (or ctx)
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ConversationConfig) (Conversation, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.script) && d.script[i] != nil {
		return nil, d.script[i]
	}
	conv := &fakeConv{id: fmt.Sprintf("conv-%d", i), cbs: cfg.Callbacks}
	d.convs = append(d.convs, conv)
	return conv, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conv(i int) *fakeConv {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convs[i]
}

type fakeGate struct {
	query    permission.State
	request  permission.State
	requests atomic.Int32
}

func (g *fakeGate) Query(ctx context.Context) permission.State { return g.query }
func (g *fakeGate) Request(ctx context.Context) permission.State {
	g.requests.Add(1)
	return g.request
}

type fakeIdentity struct {
	clears atomic.Int32
	// block, when set, holds every Clear until released
	block chan struct{}
}

func (s *fakeIdentity) Clear(ctx context.Context) {
	s.clears.Add(1)
	if s.block != nil {
		<-s.block
	}
}

type retryLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryLog) hook(attempt int, delay time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
}

func (r *retryLog) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

func testConfig() Config {
	return Config{
		AgentID:            "agent_test",
		ConnectTimeout:     200 * time.Millisecond,
		MaxAttempts:        3,
		ConnectBackoffBase: 5 * time.Millisecond,
		ConnectBackoffMax:  18 * time.Millisecond,
		ErrorBackoffBase:   5 * time.Millisecond,
		ErrorBackoffMax:    18 * time.Millisecond,
	}
}

func newTestController(t *testing.T, cfg Config, d *fakeDialer) (*Controller, *fakeGate, *fakeIdentity) {
	t.Helper()
	gate := &fakeGate{query: permission.StateGranted, request: permission.StateGranted}
	id := &fakeIdentity{}
	c := NewController(cfg, d, gate, id, nil, logging.New("error"))
	return c, gate, id
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == want
	}, 2*time.Second, 2*time.Millisecond, "never reached state %q (now %q)", want, c.Status().State)
}

func TestStartConnects(t *testing.T) {
	d := &fakeDialer{}
	c, _, _ := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	st := c.Status()
	assert.Zero(t, st.Attempts)
	assert.Empty(t, st.Error)
	assert.False(t, st.CallStart.IsZero())
	assert.NotEmpty(t, c.SessionID())
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	c, _, _ := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyActive)

	close(d.block)
	waitForState(t, c, StateConnected)
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyActive)
	assert.Equal(t, 1, d.dialCount(), "second start must not dial")
}

func TestStartPermissionDenied(t *testing.T) {
	d := &fakeDialer{}
	c, gate, id := newTestController(t, testConfig(), d)
	gate.query = permission.StateUnknown
	gate.request = permission.StateDenied

	err := c.Start(context.Background())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ClassPermission, serr.Class)

	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, msgPermissionDenied, st.Error)
	assert.Equal(t, 0, d.dialCount())
	assert.Equal(t, int32(0), id.clears.Load(), "denial does not destroy the record")
}

func TestPermissionAlreadyGrantedSkipsPrompt(t *testing.T) {
	d := &fakeDialer{}
	c, gate, _ := newTestController(t, testConfig(), d)
	gate.query = permission.StateGranted

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)
	assert.Equal(t, int32(0), gate.requests.Load())
}

func TestMissingAgentID(t *testing.T) {
	cfg := testConfig()
	cfg.AgentID = ""
	d := &fakeDialer{}
	c, _, _ := newTestController(t, cfg, d)

	assert.Equal(t, StateError, c.Status().State, "constructed degraded, not crashed")
	assert.Equal(t, msgConfigMissing, c.Status().Error)

	err := c.Start(context.Background())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ClassConfig, serr.Class)
	assert.Equal(t, 0, d.dialCount())
}

func TestTransientDialFailureRetriesThenConnects(t *testing.T) {
	d := &fakeDialer{script: []error{errDataChannel, nil}}
	c, _, _ := newTestController(t, testConfig(), d)
	log := &retryLog{}
	c.WithRetryHook(log.hook)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	assert.Equal(t, 2, d.dialCount())
	require.Len(t, log.snapshot(), 1)
	assert.Equal(t, 5*time.Millisecond, log.snapshot()[0])
	assert.Zero(t, c.Status().Attempts, "counter resets on successful connect")
}

func TestRetriesExhaustedBecomeTerminal(t *testing.T) {
	d := &fakeDialer{script: []error{errDataChannel, errDataChannel, errDataChannel, errDataChannel}}
	c, _, id := newTestController(t, testConfig(), d)
	log := &retryLog{}
	c.WithRetryHook(log.hook)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateError)

	st := c.Status()
	assert.Equal(t, msgRetriesExhausted, st.Error)
	assert.Equal(t, 4, d.dialCount(), "initial dial plus three retries")

	delays := log.snapshot()
	require.Len(t, delays, 3, "exactly three scheduled retries")
	assert.Equal(t, 5*time.Millisecond, delays[0])
	assert.Equal(t, 10*time.Millisecond, delays[1])
	assert.Equal(t, 18*time.Millisecond, delays[2], "third delay clamps to the ceiling")

	assert.Equal(t, int32(1), id.clears.Load(), "terminal error destroys the record exactly once")

	// no fourth retry may revive the session
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())
	assert.Equal(t, StateError, c.Status().State)
}

func TestFatalDialErrorTerminalImmediately(t *testing.T) {
	d := &fakeDialer{script: []error{errors.New("authorization rejected")}}
	c, _, id := newTestController(t, testConfig(), d)
	log := &retryLog{}
	c.WithRetryHook(log.hook)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateError)

	assert.Equal(t, 1, d.dialCount())
	assert.Empty(t, log.snapshot(), "fatal errors are never retried")
	assert.Equal(t, msgCallFailed, c.Status().Error)
	assert.Equal(t, int32(1), id.clears.Load())
}

func TestConnectTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 15 * time.Millisecond

	block := make(chan struct{})
	d := &fakeDialer{block: block}
	c, _, _ := newTestController(t, cfg, d)
	log := &retryLog{}
	c.WithRetryHook(log.hook)

	require.NoError(t, c.Start(context.Background()))

	// first dial times out; let subsequent dials succeed immediately
	require.Eventually(t, func() bool { return len(log.snapshot()) >= 1 }, 2*time.Second, 2*time.Millisecond)
	close(block)

	waitForState(t, c, StateConnected)
	assert.GreaterOrEqual(t, d.dialCount(), 2)
}

func TestInCallTransientErrorReconnects(t *testing.T) {
	d := &fakeDialer{}
	c, _, id := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	first := d.conv(0)
	first.cbs.OnError(errDataChannel)

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && c.Status().State == StateConnected
	}, 2*time.Second, 2*time.Millisecond)

	assert.GreaterOrEqual(t, first.closes.Load(), int32(1), "failed conversation force-closed")
	assert.Equal(t, int32(0), id.clears.Load(), "identity survives a reconnect")
}

func TestInCallFatalErrorForceCloses(t *testing.T) {
	d := &fakeDialer{}
	c, _, id := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	first := d.conv(0)
	first.cbs.OnError(errors.New("agent rejected the conversation"))

	waitForState(t, c, StateError)
	assert.Equal(t, 1, d.dialCount())
	assert.GreaterOrEqual(t, first.closes.Load(), int32(1))
	assert.Equal(t, int32(1), id.clears.Load())
	assert.Equal(t, "", c.SessionID())
}

func TestRemoteDisconnectReturnsToIdle(t *testing.T) {
	d := &fakeDialer{}
	c, _, id := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	first := d.conv(0)
	first.cbs.OnDisconnect("conversation ended")
	waitForState(t, c, StateIdle)

	assert.Equal(t, int32(1), id.clears.Load())
	assert.Equal(t, "", c.SessionID())

	// duplicate terminal event is a safe no-op
	first.cbs.OnDisconnect("conversation ended")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateIdle, c.Status().State)
	assert.Equal(t, int32(1), id.clears.Load())
}

func TestStopDuringRemoteTeardownClearsOnce(t *testing.T) {
	d := &fakeDialer{}
	gate := &fakeGate{query: permission.StateGranted, request: permission.StateGranted}
	id := &fakeIdentity{block: make(chan struct{})}
	c := NewController(testConfig(), d, gate, id, nil, logging.New("error"))

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	// remote teardown parks inside the identity clear
	go d.conv(0).cbs.OnDisconnect("conversation ended")
	waitForState(t, c, StateDisconnecting)

	// user hangs up mid-teardown; must not run a second teardown
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(1), id.clears.Load())

	close(id.block)
	waitForState(t, c, StateIdle)

	assert.Equal(t, int32(1), id.clears.Load())
	assert.Equal(t, int32(1), d.conv(0).closes.Load())
}

func TestStopClearsIdentityOnce(t *testing.T) {
	d := &fakeDialer{}
	c, _, id := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	require.NoError(t, c.Stop(context.Background()))
	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Attempts)
	assert.Equal(t, int32(1), id.clears.Load())
	assert.Equal(t, int32(1), d.conv(0).closes.Load())

	// second stop is a no-op
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(1), id.clears.Load())
}

func TestStopCancelsPendingRetry(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectBackoffBase = time.Hour
	cfg.ConnectBackoffMax = time.Hour

	d := &fakeDialer{script: []error{errDataChannel}}
	c, _, _ := newTestController(t, cfg, d)
	log := &retryLog{}
	c.WithRetryHook(log.hook)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateIdle, c.Status().State)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "stale retry must not revive a closed call")
}

func TestStopDuringPermissionPrompt(t *testing.T) {
	d := &fakeDialer{}
	gate := &slowGate{release: make(chan struct{})}
	id := &fakeIdentity{}
	c := NewController(testConfig(), d, gate, id, nil, logging.New("error"))

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.Status().State == StateRequestingPermission
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	close(gate.release)
	require.NoError(t, <-done)

	assert.Equal(t, StateIdle, c.Status().State)
	assert.Equal(t, 0, d.dialCount(), "stopped session must not dial")
}

type slowGate struct {
	release chan struct{}
}

func (g *slowGate) Query(ctx context.Context) permission.State { return permission.StateUnknown }
func (g *slowGate) Request(ctx context.Context) permission.State {
	<-g.release
	return permission.StateGranted
}

func TestStopResetsTerminalError(t *testing.T) {
	d := &fakeDialer{script: []error{errors.New("authorization rejected")}}
	c, _, _ := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateError)

	require.NoError(t, c.Stop(context.Background()))
	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.Error)
}

func TestRestartAfterTerminalError(t *testing.T) {
	d := &fakeDialer{script: []error{errors.New("authorization rejected"), nil}}
	c, _, _ := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateError)

	// only an explicit new user action restarts
	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)
	assert.Equal(t, 2, d.dialCount())
}

func TestSpeakingSubstate(t *testing.T) {
	d := &fakeDialer{}
	c, _, _ := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)

	conv := d.conv(0)
	conv.cbs.OnSpeaking(true)
	assert.True(t, c.Status().Speaking)

	conv.cbs.OnSpeaking(false)
	assert.False(t, c.Status().Speaking)

	conv.cbs.OnSpeaking(true)
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Status().Speaking, "speaking cannot outlive the call")

	// events from the closed conversation are ignored
	conv.cbs.OnSpeaking(true)
	assert.False(t, c.Status().Speaking)
}

func TestConcurrentStopAndTransportError(t *testing.T) {
	d := &fakeDialer{}
	c, _, id := newTestController(t, testConfig(), d)

	require.NoError(t, c.Start(context.Background()))
	waitForState(t, c, StateConnected)
	conv := d.conv(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = c.Stop(context.Background()) }()
	go func() { defer wg.Done(); conv.cbs.OnError(errDataChannel) }()
	wg.Wait()

	require.Eventually(t, func() bool {
		s := c.Status().State
		return s == StateIdle || s == StateConnected
	}, 2*time.Second, 2*time.Millisecond)

	// whichever path won, teardown must stay consistent: either the stop
	// finished (idle, cleared once) or the reconnect won the race before
	// the stop (then the stop still ran after it and settled idle).
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateIdle, c.Status().State)
	assert.GreaterOrEqual(t, id.clears.Load(), int32(1))
}
