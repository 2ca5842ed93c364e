package media

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/classmeet/internal/util"
)

// MaxParallelApply bounds how many links are updated at once.
const MaxParallelApply = 8

// Sink is a live link that can take over a new local stream.
type Sink interface {
	RemoteID() string
	ApplyStream(s *Stream) error
}

// SinkSet yields the links live at the moment of the call.
type SinkSet interface {
	Sinks() []Sink
}

// Manager owns the current local stream and pushes every change to all live
// links.
type Manager struct {
	sinks SinkSet

	mu      sync.RWMutex
	current *Stream
}

func NewManager(sinks SinkSet) *Manager {
	return &Manager{sinks: sinks}
}

// Current returns the stream new links are created with.
func (m *Manager) Current() *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetLocalStream stores s and applies it to every live link in parallel, at
// most MaxParallelApply at a time. A
// failing link does not stop the others; the returned error joins every
// per-link failure once all links have been updated.
func (m *Manager) SetLocalStream(s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s

	sinks := m.sinks.Sinks()
	errs := make([]error, len(sinks))

	// Failures go into errs instead of the group so that one link never
	// cancels the rest. The group only bounds and joins the workers.
	var g errgroup.Group
	g.SetLimit(MaxParallelApply)
	for i, sink := range sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := sink.ApplyStream(s); err != nil {
				util.LogWarning("failed to update tracks for %s: %v", sink.RemoteID(), err)
				errs[i] = fmt.Errorf("%s: %w", sink.RemoteID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
