package permission

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

// DevicePlatform implements Platform against an audio capture device node.
// Access to the node stands in for microphone permission: readable means
// granted, a permission error means denied, a missing node means the host
// cannot report (unknown). Changes to the node (udev rule updates, group
// membership flips applied via chmod) surface as permission changes.
type DevicePlatform struct {
	path   string
	logger *logging.Logger
}

// NewDevicePlatform creates a platform probing the given device path.
func NewDevicePlatform(path string, logger *logging.Logger) *DevicePlatform {
	if logger == nil {
		logger = logging.Default()
	}
	return &DevicePlatform{path: path, logger: logger}
}

// Query checks device readability without opening it.
func (p *DevicePlatform) Query(ctx context.Context) (State, bool) {
	if _, err := os.Stat(p.path); err != nil {
		if os.IsNotExist(err) {
			return StateUnknown, false
		}
		return StateDenied, true
	}
	if err := unix.Access(p.path, unix.R_OK); err != nil {
		return StateDenied, true
	}
	return StateGranted, true
}

// Watch observes the device node for permission-relevant changes.
func (p *DevicePlatform) Watch(ctx context.Context, notify func(State)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("permission: watcher init: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("permission: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !p.relevant(ev) {
					continue
				}
				state, _ := p.Query(ctx)
				notify(state)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("device watch error", "error", werr)
			}
		}
	}()

	stop := func() {
		close(done)
		_ = watcher.Close()
	}
	return stop, nil
}

func (p *DevicePlatform) relevant(ev fsnotify.Event) bool {
	if ev.Name != p.path {
		return false
	}
	return ev.Has(fsnotify.Chmod) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove)
}

// OpenCapture opens the device read-only. The caller must close it; the
// Gate does so immediately, treating this purely as a capability probe.
func (p *DevicePlatform) OpenCapture(ctx context.Context, _ Constraints) (io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("permission: open capture device: %w", err)
	}
	return f, nil
}
