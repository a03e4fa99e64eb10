package permission

import (
	"context"
	"io"
	"sync"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

// State is the tri-state microphone permission.
type State string

const (
	StateUnknown State = "unknown"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// Constraints describe the capture stream requested during the probe. The
// probe never keeps the stream; these exist so the platform prompt matches
// what a real call would use.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

// DefaultConstraints mirrors the call audio profile.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
	}
}

// Platform abstracts the host's microphone permission machinery.
type Platform interface {
	// Query returns the current state without prompting. The bool reports
	// whether the platform supports querying at all.
	Query(ctx context.Context) (State, bool)
	// Watch delivers permission changes until the stop func is called.
	Watch(ctx context.Context, notify func(State)) (stop func(), err error)
	// OpenCapture acquires a capture stream, forcing the consent path.
	OpenCapture(ctx context.Context, c Constraints) (io.Closer, error)
}

// Gate wraps a Platform into a concurrency-guarded permission query/request
// pair and keeps its state live against platform change notifications.
type Gate struct {
	platform Platform
	logger   *logging.Logger

	mu        sync.Mutex
	state     State
	observer  func(State)
	watching  bool
	stopWatch func()
	inflight  chan struct{}
}

// NewGate creates a Gate around the given platform.
func NewGate(p Platform, logger *logging.Logger) *Gate {
	if p == nil {
		panic("permission: platform cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{
		platform: p,
		logger:   logger,
		state:    StateUnknown,
	}
}

// OnChange registers the observer invoked synchronously whenever the state
// changes. Only one observer is supported; later calls replace it.
func (g *Gate) OnChange(fn func(State)) {
	g.mu.Lock()
	g.observer = fn
	g.mu.Unlock()
}

// State returns the last known permission state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Query reads the platform permission state without prompting. Platforms
// that cannot be queried yield StateUnknown. The first call also subscribes
// to change notifications for the gate's lifetime.
func (g *Gate) Query(ctx context.Context) State {
	g.ensureWatch(ctx)

	state, supported := g.platform.Query(ctx)
	if !supported {
		state = StateUnknown
	}
	g.setState(state)
	return state
}

// Request forces the consent prompt by opening (and immediately releasing) a
// capture stream. It never fails: any error maps to StateDenied. Concurrent
// requests coalesce onto the first call's outcome.
func (g *Gate) Request(ctx context.Context) State {
	g.ensureWatch(ctx)

	g.mu.Lock()
	if g.inflight != nil {
		done := g.inflight
		g.mu.Unlock()
		<-done
		return g.State()
	}
	done := make(chan struct{})
	g.inflight = done
	g.mu.Unlock()

	state := g.probe(ctx)
	g.setState(state)

	g.mu.Lock()
	g.inflight = nil
	g.mu.Unlock()
	close(done)
	return state
}

// probe opens the capture stream and releases it on every exit path.
func (g *Gate) probe(ctx context.Context) State {
	stream, err := g.platform.OpenCapture(ctx, DefaultConstraints())
	if err != nil {
		g.logger.Warn("microphone probe denied", "error", err)
		return StateDenied
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			g.logger.Warn("capture stream release failed", "error", cerr)
		}
	}()
	return StateGranted
}

// Close stops the change-notification subscription.
func (g *Gate) Close() {
	g.mu.Lock()
	stop := g.stopWatch
	g.stopWatch = nil
	g.watching = false
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (g *Gate) ensureWatch(ctx context.Context) {
	g.mu.Lock()
	if g.watching {
		g.mu.Unlock()
		return
	}
	g.watching = true
	g.mu.Unlock()

	stop, err := g.platform.Watch(ctx, g.setState)
	if err != nil {
		g.logger.Warn("permission change watch unavailable", "error", err)
		g.mu.Lock()
		g.watching = false
		g.mu.Unlock()
		return
	}
	g.mu.Lock()
	g.stopWatch = stop
	g.mu.Unlock()
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	changed := g.state != s
	g.state = s
	observer := g.observer
	g.mu.Unlock()

	if changed && observer != nil {
		observer(s)
	}
}
