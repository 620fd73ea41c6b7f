// Package manager owns the active display backend. It picks the backend,
// runs it in process or behind a supervised host process, deduplicates
// concurrent requests and recovers from host crashes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/ipc"
	"github.com/bnema/dispconf/internal/logger"
)

var (
	// ErrNoBackend means no backend could be loaded
	ErrNoBackend = errors.New("no backend")
	// ErrTooManyCrashes means the host crashed too often within the restart window
	ErrTooManyCrashes = errors.New("backend host crashed too many times")
	// ErrNotLoaded means no backend is loaded and the call does not load one
	ErrNotLoaded = errors.New("no backend loaded")
	// ErrInvalidConfig wraps the validation failure of a rejected config
	ErrInvalidConfig = errors.New("configuration cannot be applied")
)

// Method is how the backend is executed
type Method int

const (
	InProcess Method = iota
	OutOfProcess
)

func (m Method) String() string {
	if m == OutOfProcess {
		return "out-of-process"
	}
	return "in-process"
}

// State of backend acquisition
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithRegistry sets the backend registry
func WithRegistry(r *backend.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithLauncher sets how backend hosts are started
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithMethod forces the execution method
func WithMethod(method Method) Option {
	return func(m *Manager) {
		m.method = method
		m.methodSet = true
	}
}

// WithGetenv replaces os.Getenv for platform detection
func WithGetenv(getenv func(string) string) Option {
	return func(m *Manager) { m.getenv = getenv }
}

// WithClock replaces time.Now for crash accounting
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type listener struct {
	id int
	fn func()
}

// Manager selects, starts and talks to exactly one backend
type Manager struct {
	settings   config.Settings
	registry   *backend.Registry
	launcher   Launcher
	getenv     func(string) string
	now        func() time.Time
	socketPath string
	log        *log.Logger

	method    Method
	methodSet bool

	group    singleflight.Group
	loadMu   sync.Mutex
	inflight atomic.Int32

	mu          sync.Mutex
	state       State
	be          backend.Backend
	name        string
	args        map[string]string
	gen         uint64
	proc        Process
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	crashes     []time.Time
	lastErr     error
	cached      *display.Config

	listenersMu sync.Mutex
	listeners   []listener
	nextID      int
}

// New creates a manager. The execution method is decided here: an explicit
// option or the backend.in_process setting wins, otherwise isolated
// backends run out of process.
func New(settings config.Settings, opts ...Option) (*Manager, error) {
	m := &Manager{
		settings: settings,
		getenv:   os.Getenv,
		now:      time.Now,
		log:      logger.With("manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		return nil, fmt.Errorf("manager: no backend registry")
	}
	m.applySupervisorDefaults()

	socketPath, err := settings.Backend.ResolvedSocketPath()
	if err != nil {
		return nil, err
	}
	m.socketPath = socketPath

	if !m.methodSet {
		inProcess, set, err := settings.Backend.InProcessOverride()
		if err != nil {
			return nil, err
		}
		switch {
		case set && inProcess:
			m.method = InProcess
		case set:
			m.method = OutOfProcess
		case m.registry.IsIsolated(m.preferredName()):
			m.method = OutOfProcess
		default:
			m.method = InProcess
		}
	}

	if m.launcher == nil {
		path, err := settings.Backend.ResolvedLauncher()
		if err != nil {
			return nil, err
		}
		m.launcher = ExecLauncher{Path: path}
	}

	m.log.Debug("Manager created", "method", m.method, "socket", m.socketPath)
	return m, nil
}

func (m *Manager) applySupervisorDefaults() {
	s := &m.settings.Supervisor
	d := config.DefaultSettings.Supervisor
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = d.MaxRestarts
	}
	if s.RestartWindow <= 0 {
		s.RestartWindow = d.RestartWindow
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = d.StartTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = d.ShutdownTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
}

// Method returns the execution method
func (m *Manager) Method() Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.method
}

// State returns the acquisition state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BackendName returns the loaded backend, "" when none is loaded
func (m *Manager) BackendName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.be == nil {
		return ""
	}
	return m.name
}

// LastError returns the error of the last failed acquisition
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SocketPath is where the backend host listens
func (m *Manager) SocketPath() string {
	return m.socketPath
}

func (m *Manager) preferredName() string {
	return m.registry.Preferred("", m.settings.Backend.Name, m.getenv)
}

// RequestBackend loads the preferred backend with the configured arguments
func (m *Manager) RequestBackend(ctx context.Context) (backend.Backend, error) {
	return m.RequestBackendNamed(ctx, "", nil)
}

// RequestBackendNamed loads the named backend. An empty name selects the
// preferred one. Concurrent requests for the same backend share one load.
// Requesting a different backend than the loaded one replaces it.
func (m *Manager) RequestBackendNamed(ctx context.Context, name string, args map[string]string) (backend.Backend, error) {
	name = m.registry.Preferred(name, m.settings.Backend.Name, m.getenv)
	if args == nil {
		args = m.settings.Backend.ArgsMap()
	}

	m.inflight.Add(1)
	defer m.inflight.Add(-1)

	ch := m.group.DoChan(flightKey(name, args), func() (any, error) {
		return m.load(context.WithoutCancel(ctx), name, args)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(backend.Backend), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) load(ctx context.Context, name string, args map[string]string) (backend.Backend, error) {
	// Flights for different backends or arguments take turns, so each one
	// sees the backend the previous one left behind
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	if m.be != nil && m.name == name && sameArgs(m.args, args) {
		be := m.be
		m.mu.Unlock()
		return be, nil
	}
	if m.crashLimitReachedLocked() {
		m.state = StateFailed
		m.lastErr = ErrTooManyCrashes
		m.mu.Unlock()
		return nil, ErrTooManyCrashes
	}
	method := m.method
	loaded := m.be != nil
	m.state = StateRequesting
	m.mu.Unlock()

	// One backend at a time: a different one replaces the loaded one
	if loaded {
		if err := m.unload(); err != nil {
			m.log.Warn("Failed to unload previous backend", "error", err)
		}
		m.mu.Lock()
		m.state = StateRequesting
		m.mu.Unlock()
	}

	m.log.Debug("Requesting backend", "name", name, "method", method)
	var (
		be  backend.Backend
		err error
	)
	if method == InProcess {
		be, err = m.registry.Open(name, backend.Options{Args: args, OnChange: m.backendChanged})
	} else {
		be, err = m.connect(ctx, name, args)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateFailed
		m.lastErr = fmt.Errorf("%w: %w", ErrNoBackend, err)
		m.log.Error("Failed to load backend", "name", name, "error", err)
		return nil, m.lastErr
	}

	m.gen++
	m.be, m.name, m.args = be, name, args
	m.state = StateReady
	m.lastErr = nil
	m.cached = nil
	if rb, ok := be.(*remoteBackend); ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		m.watchCancel = cancel
		m.watchDone = make(chan struct{})
		go m.watch(watchCtx, m.gen, rb.client.SocketPath(), m.watchDone)
	}
	m.log.Info("Backend ready", "name", name, "method", method)
	return be, nil
}

// connect reaches the host, starting it when nothing listens yet, and asks
// it to load the backend
func (m *Manager) connect(ctx context.Context, name string, args map[string]string) (backend.Backend, error) {
	client, err := ipc.Dial(ctx, m.socketPath, m.settings.Supervisor.RequestTimeout)
	if errors.Is(err, ipc.ErrNotRunning) {
		var proc Process
		proc, err = m.launcher.Launch(ctx, m.socketPath)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.proc = proc
		m.mu.Unlock()
		client, err = m.waitForHost(ctx)
	}
	if err != nil {
		return nil, err
	}

	wireArgs := make(map[string]any, len(args))
	for k, v := range args {
		wireArgs[k] = v
	}
	if _, err := client.Call(ctx, ipc.MethodBackend, map[string]any{"name": name, "args": wireArgs}); err != nil {
		client.Close()
		return nil, err
	}
	return &remoteBackend{client: client, name: name}, nil
}

func (m *Manager) waitForHost(ctx context.Context) (*ipc.Client, error) {
	deadline := time.Now().Add(m.settings.Supervisor.StartTimeout)
	for {
		client, err := ipc.Dial(ctx, m.socketPath, m.settings.Supervisor.RequestTimeout)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, ipc.ErrNotRunning) || time.Now().After(deadline) {
			return nil, fmt.Errorf("backend host did not come up: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.settings.Supervisor.PollInterval):
		}
	}
}

// watch follows the host's event stream. The stream ending without our
// cancellation means the host went away.
func (m *Manager) watch(ctx context.Context, gen uint64, socketPath string, done chan struct{}) {
	defer close(done)
	err := ipc.Watch(ctx, socketPath, func(event string) {
		if event == ipc.EventConfigChanged {
			m.backendChanged()
		}
	})
	if ctx.Err() != nil {
		return
	}
	m.log.Warn("Backend host disappeared", "error", err)
	m.handleDisconnect(gen)
}

func (m *Manager) handleDisconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.be == nil {
		m.mu.Unlock()
		return
	}
	be, proc, name, args := m.be, m.proc, m.name, m.args
	m.be, m.proc, m.cached = nil, nil, nil
	m.watchCancel, m.watchDone = nil, nil
	m.state = StateIdle
	m.crashes = append(m.crashes, m.now())
	exceeded := m.crashLimitReachedLocked()
	if exceeded {
		m.state = StateFailed
		m.lastErr = ErrTooManyCrashes
	}
	m.mu.Unlock()

	be.Close()
	if proc != nil {
		go proc.Wait()
	}

	if exceeded {
		m.log.Error("Backend host keeps crashing, giving up", "restarts", m.settings.Supervisor.MaxRestarts,
			"window", m.settings.Supervisor.RestartWindow)
		m.backendChanged()
		return
	}

	go func() {
		if _, err := m.RequestBackendNamed(context.Background(), name, args); err != nil {
			m.log.Error("Failed to restart backend", "name", name, "error", err)
			return
		}
		m.backendChanged()
	}()
}

// crashLimitReachedLocked drops crashes older than the restart window and
// reports whether the remaining ones exceed the limit
func (m *Manager) crashLimitReachedLocked() bool {
	cutoff := m.now().Add(-m.settings.Supervisor.RestartWindow)
	kept := m.crashes[:0]
	for _, t := range m.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.crashes = kept
	return len(m.crashes) > m.settings.Supervisor.MaxRestarts
}

// backend returns the loaded backend, loading the preferred one on demand.
// The returned release func must be called once the call is done.
func (m *Manager) backend(ctx context.Context) (backend.Backend, func(), error) {
	m.inflight.Add(1)
	release := func() { m.inflight.Add(-1) }

	m.mu.Lock()
	be := m.be
	m.mu.Unlock()
	if be != nil {
		return be, release, nil
	}

	be, err := m.RequestBackend(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	return be, release, nil
}

// Config fetches a fresh snapshot from the backend and caches a copy
func (m *Manager) Config(ctx context.Context) (*display.Config, error) {
	be, release, err := m.backend(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return m.fetch(ctx, be)
}

// LoadedConfig is Config without loading on demand. It fails with
// ErrNotLoaded while no backend is ready.
func (m *Manager) LoadedConfig(ctx context.Context) (*display.Config, error) {
	m.inflight.Add(1)
	defer m.inflight.Add(-1)

	m.mu.Lock()
	be, state := m.be, m.state
	m.mu.Unlock()
	if be == nil || state != StateReady {
		return nil, ErrNotLoaded
	}
	return m.fetch(ctx, be)
}

func (m *Manager) fetch(ctx context.Context, be backend.Backend) (*display.Config, error) {
	cfg, err := be.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from %s: %w", be.Name(), err)
	}
	m.mu.Lock()
	m.cached = cfg.Clone()
	m.mu.Unlock()
	return cfg, nil
}

// CachedConfig returns a copy of the last fetched config, nil before the
// first fetch
func (m *Manager) CachedConfig() *display.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return nil
	}
	return m.cached.Clone()
}

// SetConfig validates cfg against the live config, normalizes positions so
// the layout starts at the origin and hands it to the backend. cfg itself
// is not modified.
func (m *Manager) SetConfig(ctx context.Context, cfg *display.Config) error {
	live := m.CachedConfig()
	if live == nil {
		var err error
		if live, err = m.Config(ctx); err != nil {
			return err
		}
	}
	if err := display.Validate(live, cfg, display.ValidityNone); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	candidate := cfg.Clone()
	if offset := display.NormalizePositions(candidate); offset != (display.Point{}) {
		m.log.Debug("Normalized output positions", "offset", offset)
	}

	be, release, err := m.backend(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := be.SetConfig(ctx, candidate); err != nil {
		return fmt.Errorf("failed to apply config with %s: %w", be.Name(), err)
	}

	fresh, err := be.Config(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh config from %s: %w", be.Name(), err)
	}
	m.mu.Lock()
	m.cached = fresh
	m.mu.Unlock()
	return nil
}

// Edid returns the raw EDID of an output
func (m *Manager) Edid(ctx context.Context, outputID int) ([]byte, error) {
	be, release, err := m.backend(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return be.Edid(ctx, outputID)
}

// OnConfigChanged registers fn to run whenever the backend reports a change
func (m *Manager) OnConfigChanged(fn func()) (cancel func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) backendChanged() {
	m.listenersMu.Lock()
	fns := make([]func(), len(m.listeners))
	for i, l := range m.listeners {
		fns[i] = l.fn
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ShutdownBackend tears the backend down and returns once it is gone. Out of
// process, it waits for pending requests, sends quit and polls until the
// host's socket has disappeared.
func (m *Manager) ShutdownBackend() error {
	m.waitIdle()
	return m.unload()
}

// waitIdle polls until no request is in flight or the shutdown timeout
// expires
func (m *Manager) waitIdle() {
	deadline := time.Now().Add(m.settings.Supervisor.ShutdownTimeout)
	for m.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			m.log.Warn("Shutting down with requests still in flight", "count", m.inflight.Load())
			return
		}
		time.Sleep(m.settings.Supervisor.PollInterval)
	}
}

func (m *Manager) unload() error {
	m.mu.Lock()
	be, proc := m.be, m.proc
	cancel, done := m.watchCancel, m.watchDone
	m.be, m.proc, m.cached = nil, nil, nil
	m.watchCancel, m.watchDone = nil, nil
	m.name, m.args = "", nil
	m.state = StateIdle
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if be == nil {
		return nil
	}

	rb, remote := be.(*remoteBackend)
	if !remote {
		m.log.Debug("Closing in-process backend", "name", be.Name())
		return be.Close()
	}

	var err error
	ctx, stop := context.WithTimeout(context.Background(), m.settings.Supervisor.ShutdownTimeout)
	defer stop()
	if qerr := rb.quit(ctx); qerr != nil && !errors.Is(qerr, ipc.ErrDisconnected) {
		err = multierr.Append(err, fmt.Errorf("quit: %w", qerr))
	}
	err = multierr.Append(err, rb.Close())
	err = multierr.Append(err, m.waitGone(ctx))
	if proc != nil {
		err = multierr.Append(err, waitProcess(ctx, proc))
	}
	return err
}

// waitGone polls until the host socket file has been removed
func (m *Manager) waitGone(ctx context.Context) error {
	for ipc.SocketExists(m.socketPath) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend host still present at %s: %w", m.socketPath, ctx.Err())
		case <-time.After(m.settings.Supervisor.PollInterval):
		}
	}
	return nil
}

// waitProcess reaps the host, killing it when it outlives ctx
func waitProcess(ctx context.Context, proc Process) error {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return multierr.Append(fmt.Errorf("backend host did not exit: %w", ctx.Err()), proc.Kill())
	}
}

// Reinitialize shuts the backend down and switches the execution method.
// The next request loads the backend again.
func (m *Manager) Reinitialize(method Method) error {
	err := m.ShutdownBackend()
	m.mu.Lock()
	m.method = method
	m.crashes = nil
	m.lastErr = nil
	m.mu.Unlock()
	return err
}

// Close shuts the backend down
func (m *Manager) Close() error {
	return m.ShutdownBackend()
}

// flightKey identifies a load by backend name and arguments
func flightKey(name string, args map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		b.WriteString("\x00" + k + "=" + args[k])
	}
	return b.String()
}

func sameArgs(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}
