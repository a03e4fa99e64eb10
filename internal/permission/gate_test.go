package permission

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

type fakeStream struct {
	closed atomic.Bool
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakePlatform struct {
	mu           sync.Mutex
	queryState   State
	querySupport bool
	openErr      error
	openDelay    time.Duration
	opened       []*fakeStream
	openCalls    atomic.Int32
	notify       func(State)
	watchErr     error
}

func (p *fakePlatform) Query(ctx context.Context) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryState, p.querySupport
}

func (p *fakePlatform) Watch(ctx context.Context, notify func(State)) (func(), error) {
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.mu.Lock()
	p.notify = notify
	p.mu.Unlock()
	return func() {}, nil
}

func (p *fakePlatform) OpenCapture(ctx context.Context, _ Constraints) (io.Closer, error) {
	p.openCalls.Add(1)
	if p.openDelay > 0 {
		time.Sleep(p.openDelay)
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := &fakeStream{}
	p.mu.Lock()
	p.opened = append(p.opened, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakePlatform) fireChange(s State) {
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify(s)
	}
}

func TestQueryUnsupportedPlatform(t *testing.T) {
	p := &fakePlatform{querySupport: false, queryState: StateGranted}
	g := NewGate(p, logging.New("error"))

	assert.Equal(t, StateUnknown, g.Query(context.Background()))
}

func TestQueryReflectsPlatform(t *testing.T) {
	p := &fakePlatform{querySupport: true, queryState: StateDenied}
	g := NewGate(p, logging.New("error"))

	assert.Equal(t, StateDenied, g.Query(context.Background()))
	assert.Equal(t, StateDenied, g.State())
}

func TestRequestGrantedReleasesStream(t *testing.T) {
	p := &fakePlatform{}
	g := NewGate(p, logging.New("error"))

	state := g.Request(context.Background())
	require.Equal(t, StateGranted, state)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.opened, 1)
	assert.True(t, p.opened[0].closed.Load(), "probe stream must be released")
}

func TestRequestDeniedOnOpenFailure(t *testing.T) {
	p := &fakePlatform{openErr: errors.New("NotAllowedError")}
	g := NewGate(p, logging.New("error"))

	assert.Equal(t, StateDenied, g.Request(context.Background()))
	assert.Equal(t, StateDenied, g.State())
}

func TestRequestSingleFlight(t *testing.T) {
	p := &fakePlatform{openDelay: 50 * time.Millisecond}
	g := NewGate(p, logging.New("error"))

	var wg sync.WaitGroup
	results := make([]State, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Request(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.openCalls.Load(), "concurrent requests should coalesce")
	for _, r := range results {
		assert.Equal(t, StateGranted, r)
	}
}

func TestChangeNotificationInvokesObserver(t *testing.T) {
	p := &fakePlatform{querySupport: true, queryState: StateGranted}
	g := NewGate(p, logging.New("error"))

	var seen []State
	g.OnChange(func(s State) { seen = append(seen, s) })

	g.Query(context.Background())
	p.fireChange(StateDenied)
	p.fireChange(StateDenied) // duplicate, no extra observer call
	p.fireChange(StateGranted)

	assert.Equal(t, []State{StateGranted, StateDenied, StateGranted}, seen)
	assert.Equal(t, StateGranted, g.State())
}

func TestWatchFailureDoesNotBreakGate(t *testing.T) {
	p := &fakePlatform{watchErr: errors.New("no notification support"), querySupport: true, queryState: StateGranted}
	g := NewGate(p, logging.New("error"))

	assert.Equal(t, StateGranted, g.Query(context.Background()))
	assert.Equal(t, StateGranted, g.Request(context.Background()))
}
