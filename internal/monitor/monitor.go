// Package monitor keeps watched configs in sync with the backend.
//
// Configs are registered weakly: the monitor never keeps one alive, and a
// config that has been garbage collected drops out of the watch set on its
// own. NotifyUpdate is single-flight. A call that arrives while an update is
// running only marks the monitor dirty, and the running update makes one
// more pass before returning.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/charmbracelet/log"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

// Source provides fresh snapshots
type Source interface {
	Config(ctx context.Context) (*display.Config, error)
}

type subscriber struct {
	id int
	fn func(*display.Config)
}

// Monitor pushes backend snapshots into every watched config
type Monitor struct {
	source Source
	log    *log.Logger

	mu      sync.Mutex
	watched map[weak.Pointer[display.Config]]struct{}
	running bool
	dirty   bool

	subsMu sync.Mutex
	subs   []subscriber
	nextID int
}

// New creates a monitor reading snapshots from source
func New(source Source) *Monitor {
	return &Monitor{
		source:  source,
		log:     logger.With("monitor"),
		watched: make(map[weak.Pointer[display.Config]]struct{}),
	}
}

// AddConfig starts watching cfg. Adding the same config twice is a no-op.
func (m *Monitor) AddConfig(cfg *display.Config) {
	if cfg == nil {
		return
	}
	wp := weak.Make(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[wp]; ok {
		return
	}
	m.watched[wp] = struct{}{}
	runtime.AddCleanup(cfg, m.forget, wp)
}

// RemoveConfig stops watching cfg. Unknown configs are ignored.
func (m *Monitor) RemoveConfig(cfg *display.Config) {
	if cfg == nil {
		return
	}
	m.forget(weak.Make(cfg))
}

func (m *Monitor) forget(wp weak.Pointer[display.Config]) {
	m.mu.Lock()
	delete(m.watched, wp)
	m.mu.Unlock()
}

// Watched returns the configs still alive, dropping collected ones
func (m *Monitor) Watched() []*display.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

func (m *Monitor) liveLocked() []*display.Config {
	var live []*display.Config
	for wp := range m.watched {
		if cfg := wp.Value(); cfg != nil {
			live = append(live, cfg)
		} else {
			delete(m.watched, wp)
		}
	}
	return live
}

// Subscribe registers fn for the configurationChanged notification. fn gets
// the snapshot that was applied and must not modify it.
func (m *Monitor) Subscribe(fn func(*display.Config)) (cancel func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// NotifyUpdate fetches one snapshot, applies it to every watched config and
// then notifies subscribers once. It returns immediately when an update is
// already running; that update repeats after its current pass.
func (m *Monitor) NotifyUpdate(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.dirty = true
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	var err error
	for {
		err = m.update(ctx)

		m.mu.Lock()
		if !m.dirty || ctx.Err() != nil {
			m.running = false
			m.dirty = false
			m.mu.Unlock()
			return err
		}
		m.dirty = false
		m.mu.Unlock()
	}
}

func (m *Monitor) update(ctx context.Context) error {
	snapshot, err := m.source.Config(ctx)
	if err != nil {
		m.log.Error("Failed to refresh watched configs", "error", err)
		return fmt.Errorf("monitor: %w", err)
	}

	m.mu.Lock()
	live := m.liveLocked()
	m.mu.Unlock()

	for _, cfg := range live {
		cfg.Apply(snapshot)
	}
	m.log.Debug("Watched configs updated", "count", len(live))

	m.subsMu.Lock()
	fns := make([]func(*display.Config), len(m.subs))
	for i, s := range m.subs {
		fns[i] = s.fn
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
	return nil
}
