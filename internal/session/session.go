// Package session ties one backend manager and one config monitor together.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/dispconf/internal/backend/builtin"
	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
	"github.com/bnema/dispconf/internal/manager"
	"github.com/bnema/dispconf/internal/monitor"
)

// Session is the process-wide display configuration context
type Session struct {
	Settings config.Settings
	Manager  *manager.Manager
	Monitor  *monitor.Monitor

	stopHook func()
	closeOne sync.Once
	closeErr error
}

// New creates a manager from settings and a monitor fed by it. Every change
// reported by the backend triggers monitor.NotifyUpdate.
func New(settings config.Settings, opts ...manager.Option) (*Session, error) {
	mgr, err := manager.New(settings, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend manager: %w", err)
	}

	s := &Session{
		Settings: settings,
		Manager:  mgr,
		Monitor:  monitor.New(loadedConfig{mgr}),
	}
	s.stopHook = mgr.OnConfigChanged(s.refresh)
	return s, nil
}

// loadedConfig feeds the monitor. A backend that is going away must not be
// brought back by its own last change event, so it never loads one.
type loadedConfig struct {
	mgr *manager.Manager
}

func (l loadedConfig) Config(ctx context.Context) (*display.Config, error) {
	return l.mgr.LoadedConfig(ctx)
}

func (s *Session) refresh() {
	if s.Manager.State() != manager.StateReady {
		return
	}
	ctx := context.Background()
	if timeout := s.Settings.Supervisor.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.Monitor.NotifyUpdate(ctx); err != nil {
		logger.Debug("Config refresh after backend change failed", "error", err)
	}
}

// Watch fetches the current config and keeps it updated until the returned
// config becomes unreachable or is passed to Unwatch.
func (s *Session) Watch(ctx context.Context) (*display.Config, error) {
	cfg, err := s.Manager.Config(ctx)
	if err != nil {
		return nil, err
	}
	s.Monitor.AddConfig(cfg)
	return cfg, nil
}

// Unwatch stops updating cfg
func (s *Session) Unwatch(cfg *display.Config) {
	s.Monitor.RemoveConfig(cfg)
}

// Close shuts the backend down. Calling it again returns the first result.
func (s *Session) Close() error {
	s.closeOne.Do(func() {
		s.stopHook()
		s.closeErr = s.Manager.Close()
	})
	return s.closeErr
}

var (
	defaultOnce    sync.Once
	defaultSession *Session
	defaultErr     error
)

// Default returns the process-wide session, built on first use from the
// loaded settings and the built-in backends.
func Default() (*Session, error) {
	defaultOnce.Do(func() {
		defaultSession, defaultErr = New(*config.Get(), manager.WithRegistry(builtin.Registry()))
	})
	return defaultSession, defaultErr
}
