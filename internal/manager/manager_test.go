package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/backend/fake"
	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/ipc"
)

func fixtureArgs(name string) string {
	return fake.ArgPath + "=" + filepath.Join("..", "backend", "fake", "testdata", name) + "," + fake.ArgWatch + "=false"
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	return config.Settings{
		Backend: config.BackendSettings{
			Name:       backend.NameFake,
			Args:       fixtureArgs("multi.yaml"),
			SocketPath: filepath.Join(t.TempDir(), "host.sock"),
		},
		Supervisor: config.SupervisorSettings{
			MaxRestarts:     3,
			RestartWindow:   time.Minute,
			StartTimeout:    2 * time.Second,
			ShutdownTimeout: 2 * time.Second,
			PollInterval:    5 * time.Millisecond,
			RequestTimeout:  2 * time.Second,
		},
	}
}

func testRegistry() *backend.Registry {
	r := backend.NewRegistry()
	r.Register(fake.Descriptor())
	return r
}

func newTestManager(t *testing.T, settings config.Settings, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithRegistry(testRegistry())}, opts...)
	m, err := New(settings, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// trackedBackend records Close calls
type trackedBackend struct {
	backend.Backend
	closed atomic.Bool
}

func (b *trackedBackend) Close() error {
	b.closed.Store(true)
	return b.Backend.Close()
}

func trackedDescriptor(name string, created *[]*trackedBackend, mu *sync.Mutex) backend.Descriptor {
	return backend.Descriptor{
		Name: name,
		Factory: func(opts backend.Options) (backend.Backend, error) {
			be, err := fake.New(opts)
			if err != nil {
				return nil, err
			}
			tb := &trackedBackend{Backend: be}
			mu.Lock()
			*created = append(*created, tb)
			mu.Unlock()
			return tb, nil
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMethodSelection(t *testing.T) {
	tests := []struct {
		name      string
		backend   string
		inProcess string
		want      Method
	}{
		{name: "explicit in-process", backend: backend.NameXRandR, inProcess: "true", want: InProcess},
		{name: "explicit out-of-process", backend: backend.NameFake, inProcess: "false", want: OutOfProcess},
		{name: "isolated backend", backend: backend.NameXRandR, want: OutOfProcess},
		{name: "plain backend", backend: backend.NameFake, want: InProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry()
			r.Register(backend.Descriptor{
				Name:     backend.NameXRandR,
				Isolated: true,
				Factory: func(backend.Options) (backend.Backend, error) {
					return nil, errors.New("no X server")
				},
			})
			settings := testSettings(t)
			settings.Backend.Name = tt.backend
			settings.Backend.InProcess = tt.inProcess

			m, err := New(settings, WithRegistry(r))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Method())
			assert.Equal(t, StateIdle, m.State())
		})
	}
}

func TestNewRejectsInvalidInProcessSetting(t *testing.T) {
	settings := testSettings(t)
	settings.Backend.InProcess = "maybe"
	_, err := New(settings, WithRegistry(testRegistry()))
	assert.Error(t, err)
}

func TestInProcessConfig(t *testing.T) {
	m := newTestManager(t, testSettings(t))
	assert.Nil(t, m.CachedConfig())

	cfg, err := m.Config(context.Background())
	require.NoError(t, err)
	require.Len(t, cfg.Outputs(), 2)
	assert.Equal(t, backend.NameFake, m.BackendName())
	assert.Equal(t, StateReady, m.State())

	cached := m.CachedConfig()
	require.NotNil(t, cached)
	cached.Output(1).SetName("changed")
	assert.Equal(t, "eDP-1", m.CachedConfig().Output(1).Name())
}

func TestRequestBackendDeduplicates(t *testing.T) {
	var calls atomic.Int32
	r := testRegistry()
	r.Register(backend.Descriptor{
		Name: "slow",
		Factory: func(opts backend.Options) (backend.Backend, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return fake.New(opts)
		},
	})
	settings := testSettings(t)
	settings.Backend.Name = "slow"
	m, err := New(settings, WithRegistry(r))
	require.NoError(t, err)
	defer m.Close()

	var wg sync.WaitGroup
	results := make([]backend.Backend, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			be, err := m.RequestBackend(context.Background())
			assert.NoError(t, err)
			results[i] = be
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, be := range results {
		assert.Same(t, results[0], be)
	}
}

func TestInvalidBackendRejected(t *testing.T) {
	settings := testSettings(t)
	settings.Backend.Args = fake.ArgValid + "=false"
	m := newTestManager(t, settings)

	_, err := m.Config(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.ErrorIs(t, err, backend.ErrInvalidBackend)
	assert.Equal(t, StateFailed, m.State())
	assert.Empty(t, m.BackendName())
	assert.ErrorIs(t, m.LastError(), ErrNoBackend)
}

func TestSetConfigNormalizesPositions(t *testing.T) {
	for _, method := range []Method{InProcess, OutOfProcess} {
		t.Run(method.String(), func(t *testing.T) {
			launcher := &LocalLauncher{Registry: testRegistry()}
			m := newTestManager(t, testSettings(t), WithMethod(method), WithLauncher(launcher))
			ctx := context.Background()

			cfg, err := m.Config(ctx)
			require.NoError(t, err)
			cfg.Output(1).SetPos(display.Point{X: -5000, Y: 700})
			cfg.Output(2).SetPos(display.Point{X: -3720, Y: 666})
			require.NoError(t, m.SetConfig(ctx, cfg))

			assert.Equal(t, display.Point{X: -5000, Y: 700}, cfg.Output(1).Pos(), "caller's config is left alone")

			applied, err := m.Config(ctx)
			require.NoError(t, err)
			assert.Equal(t, display.Point{X: 0, Y: 34}, applied.Output(1).Pos())
			assert.Equal(t, display.Point{X: 1280, Y: 0}, applied.Output(2).Pos())

			applied.Output(1).SetEnabled(false)
			require.NoError(t, m.SetConfig(ctx, applied))

			final, err := m.Config(ctx)
			require.NoError(t, err)
			assert.Equal(t, display.Point{X: 0, Y: 0}, final.Output(2).Pos())
			assert.False(t, final.Output(1).IsEnabled())
		})
	}
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	m := newTestManager(t, testSettings(t))
	ctx := context.Background()

	be, err := m.RequestBackend(ctx)
	require.NoError(t, err)
	fb := be.(*fake.Backend)

	cfg, err := m.Config(ctx)
	require.NoError(t, err)
	cfg.Output(2).SetCurrentModeID("42")

	err = m.SetConfig(ctx, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, display.ErrUnknownMode)
	assert.Equal(t, 0, fb.Applied())
}

func TestOnConfigChanged(t *testing.T) {
	m := newTestManager(t, testSettings(t))
	ctx := context.Background()

	var changes atomic.Int32
	cancel := m.OnConfigChanged(func() { changes.Add(1) })

	cfg, err := m.Config(ctx)
	require.NoError(t, err)
	cfg.Output(2).SetCurrentModeID("3")
	require.NoError(t, m.SetConfig(ctx, cfg))
	assert.Equal(t, int32(1), changes.Load())

	cancel()
	cfg.Output(2).SetCurrentModeID("2")
	require.NoError(t, m.SetConfig(ctx, cfg))
	assert.Equal(t, int32(1), changes.Load())
}

func TestRequestDifferentBackendReplaces(t *testing.T) {
	var (
		mu      sync.Mutex
		created []*trackedBackend
	)
	r := backend.NewRegistry()
	r.Register(trackedDescriptor("first", &created, &mu))
	r.Register(trackedDescriptor("second", &created, &mu))

	settings := testSettings(t)
	settings.Backend.Name = "first"
	m, err := New(settings, WithRegistry(r))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	_, err = m.RequestBackend(ctx)
	require.NoError(t, err)
	_, err = m.RequestBackendNamed(ctx, "second", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 2)
	assert.True(t, created[0].closed.Load())
	assert.False(t, created[1].closed.Load())
	assert.Equal(t, "second", m.BackendName())
}

func TestInProcessShutdown(t *testing.T) {
	var (
		mu      sync.Mutex
		created []*trackedBackend
	)
	r := backend.NewRegistry()
	r.Register(trackedDescriptor(backend.NameFake, &created, &mu))
	m, err := New(testSettings(t), WithRegistry(r))
	require.NoError(t, err)

	_, err = m.Config(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ShutdownBackend())

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.BackendName())
	assert.Nil(t, m.CachedConfig())
	mu.Lock()
	assert.True(t, created[0].closed.Load())
	mu.Unlock()
}

// blockingBackend holds Config until released
type blockingBackend struct {
	backend.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Config(ctx context.Context) (*display.Config, error) {
	close(b.entered)
	<-b.release
	return b.Backend.Config(ctx)
}

func TestShutdownWaitsForInflightRequests(t *testing.T) {
	blocking := &blockingBackend{entered: make(chan struct{}), release: make(chan struct{})}
	r := backend.NewRegistry()
	r.Register(backend.Descriptor{
		Name: backend.NameFake,
		Factory: func(opts backend.Options) (backend.Backend, error) {
			be, err := fake.New(opts)
			blocking.Backend = be
			return blocking, err
		},
	})
	m, err := New(testSettings(t), WithRegistry(r))
	require.NoError(t, err)

	configErr := make(chan error, 1)
	go func() {
		_, err := m.Config(context.Background())
		configErr <- err
	}()
	<-blocking.entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- m.ShutdownBackend() }()

	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocking.release)
	require.NoError(t, <-configErr)
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestOutOfProcessRoundTrip(t *testing.T) {
	launcher := &LocalLauncher{Registry: testRegistry()}
	m := newTestManager(t, testSettings(t), WithMethod(OutOfProcess), WithLauncher(launcher))
	ctx := context.Background()

	var changes atomic.Int32
	m.OnConfigChanged(func() { changes.Add(1) })

	cfg, err := m.Config(ctx)
	require.NoError(t, err)
	require.Len(t, cfg.Outputs(), 2)
	assert.Equal(t, "HDMI-A-1", cfg.Output(2).Name())
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 1, launcher.Launches())

	cfg.Output(2).SetCurrentModeID("3")
	require.NoError(t, m.SetConfig(ctx, cfg))
	assert.Equal(t, "3", m.CachedConfig().Output(2).CurrentModeID())
	assert.Eventually(t, func() bool { return changes.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	edid, err := m.Edid(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, edid)

	_, err = m.Edid(ctx, 99)
	var remote *ipc.RemoteError
	assert.ErrorAs(t, err, &remote)

	// The running host is reused
	_, err = m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.Launches())
}

func TestOutOfProcessShutdown(t *testing.T) {
	launcher := &LocalLauncher{Registry: testRegistry()}
	settings := testSettings(t)
	m := newTestManager(t, settings, WithMethod(OutOfProcess), WithLauncher(launcher))

	_, err := m.Config(context.Background())
	require.NoError(t, err)
	require.True(t, ipc.SocketExists(settings.Backend.SocketPath))

	require.NoError(t, m.ShutdownBackend())
	assert.False(t, ipc.SocketExists(settings.Backend.SocketPath))
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.BackendName())

	// A later request starts a fresh host
	_, err = m.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, launcher.Launches())
}

func TestOutOfProcessCrashRecovery(t *testing.T) {
	launcher := &LocalLauncher{Registry: testRegistry()}
	m := newTestManager(t, testSettings(t), WithMethod(OutOfProcess), WithLauncher(launcher))

	var changes atomic.Int32
	m.OnConfigChanged(func() { changes.Add(1) })

	_, err := m.Config(context.Background())
	require.NoError(t, err)

	require.NoError(t, launcher.Crash())
	require.Eventually(t, func() bool {
		return launcher.Launches() == 2 && m.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return changes.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cfg, err := m.Config(context.Background())
	require.NoError(t, err)
	assert.Len(t, cfg.Outputs(), 2)
}

func TestTooManyCrashes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	launcher := &LocalLauncher{Registry: testRegistry()}
	settings := testSettings(t)
	settings.Supervisor.MaxRestarts = 1
	m := newTestManager(t, settings, WithMethod(OutOfProcess), WithLauncher(launcher), WithClock(clock.Now))
	ctx := context.Background()

	_, err := m.Config(ctx)
	require.NoError(t, err)

	require.NoError(t, launcher.Crash())
	require.Eventually(t, func() bool {
		return launcher.Launches() == 2 && m.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, launcher.Crash())
	require.Eventually(t, func() bool { return m.State() == StateFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, launcher.Launches())

	_, err = m.Config(ctx)
	assert.ErrorIs(t, err, ErrTooManyCrashes)
	assert.Equal(t, 2, launcher.Launches())

	// Crashes older than the restart window no longer count
	clock.Advance(2 * time.Minute)
	_, err = m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, launcher.Launches())
}

func TestReinitialize(t *testing.T) {
	launcher := &LocalLauncher{Registry: testRegistry()}
	m := newTestManager(t, testSettings(t), WithLauncher(launcher))
	require.Equal(t, InProcess, m.Method())

	_, err := m.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, launcher.Launches())

	require.NoError(t, m.Reinitialize(OutOfProcess))
	assert.Equal(t, OutOfProcess, m.Method())
	assert.Empty(t, m.BackendName())

	_, err = m.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.Launches())
}

func TestConcurrentRequestsForDifferentBackendsTakeTurns(t *testing.T) {
	var (
		mu      sync.Mutex
		created []*trackedBackend
	)
	entered := make(chan struct{})
	gate := make(chan struct{})
	first := trackedDescriptor("first", &created, &mu)
	open := first.Factory
	first.Factory = func(opts backend.Options) (backend.Backend, error) {
		close(entered)
		<-gate
		return open(opts)
	}

	r := backend.NewRegistry()
	r.Register(first)
	r.Register(trackedDescriptor("second", &created, &mu))
	m, err := New(testSettings(t), WithRegistry(r))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() {
		_, err := m.RequestBackendNamed(ctx, "first", nil)
		errs <- err
	}()
	<-entered
	go func() {
		_, err := m.RequestBackendNamed(ctx, "second", nil)
		errs <- err
	}()

	// The second load must not start while the first one is still running
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, created)
	mu.Unlock()

	close(gate)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 2)
	assert.True(t, created[0].closed.Load(), "replaced backend was not closed")
	assert.False(t, created[1].closed.Load())
	assert.Equal(t, "second", m.BackendName())
}

func TestFlightKeyIncludesArgs(t *testing.T) {
	assert.Equal(t, flightKey("fake", map[string]string{"a": "1", "b": "2"}),
		flightKey("fake", map[string]string{"b": "2", "a": "1"}))
	assert.NotEqual(t, flightKey("fake", map[string]string{"path": "x"}),
		flightKey("fake", map[string]string{"path": "y"}))
	assert.NotEqual(t, flightKey("fake", nil), flightKey("drm", nil))
}

func TestLoadedConfigNeverLoads(t *testing.T) {
	m := newTestManager(t, testSettings(t))
	ctx := context.Background()

	_, err := m.LoadedConfig(ctx)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Equal(t, StateIdle, m.State())

	_, err = m.Config(ctx)
	require.NoError(t, err)
	cfg, err := m.LoadedConfig(ctx)
	require.NoError(t, err)
	assert.Len(t, cfg.Outputs(), 2)

	require.NoError(t, m.ShutdownBackend())
	_, err = m.LoadedConfig(ctx)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.BackendName())
}
