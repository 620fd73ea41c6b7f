package fake

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/display"
)

func openFixture(t *testing.T, name string, extra map[string]string) *Backend {
	t.Helper()
	args := map[string]string{ArgPath: filepath.Join("testdata", name), ArgWatch: "false"}
	for k, v := range extra {
		args[k] = v
	}
	b, err := New(backend.Options{Args: args})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSingleOutputFixture(t *testing.T) {
	for _, b := range []*Backend{openFixture(t, "single.yaml", nil), mustDefault(t)} {
		cfg, err := b.Config(context.Background())
		require.NoError(t, err)

		outputs := cfg.Outputs()
		require.Len(t, outputs, 1)
		o := outputs[0]
		assert.Equal(t, display.Rect{X: 0, Y: 0, Width: 1280, Height: 800}, o.Geometry())
		assert.True(t, o.IsPrimary())
		assert.Empty(t, o.Clones())
		assert.Equal(t, display.TypePanel, o.Type())
		assert.InDelta(t, 59.9, o.CurrentMode().RefreshRate(), 1e-9)
		assert.Equal(t, display.Size{Width: 320, Height: 200}, cfg.Screen().MinSize())
		assert.Equal(t, display.Size{Width: 8192, Height: 8192}, cfg.Screen().MaxSize())
	}
}

func mustDefault(t *testing.T) *Backend {
	t.Helper()
	b, err := New(backend.Options{})
	require.NoError(t, err)
	return b
}

func TestCloneFixture(t *testing.T) {
	b := openFixture(t, "clones.json", nil)
	cfg, err := b.Config(context.Background())
	require.NoError(t, err)

	require.Len(t, cfg.Outputs(), 2)
	assert.Equal(t, []int{2}, cfg.Output(1).Clones())
	assert.Empty(t, cfg.Output(2).Clones())
	assert.Equal(t, 1, cfg.PrimaryOutput().ID())
}

func TestConfigIsASnapshot(t *testing.T) {
	b := openFixture(t, "multi.yaml", nil)
	first, err := b.Config(context.Background())
	require.NoError(t, err)
	first.Output(2).SetPos(display.Point{X: 99, Y: 99})

	second, err := b.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, display.Point{X: 1280, Y: 0}, second.Output(2).Pos())
}

func TestSetConfigNotifies(t *testing.T) {
	var changes atomic.Int32
	b, err := New(backend.Options{
		Args:     map[string]string{ArgPath: filepath.Join("testdata", "multi.yaml"), ArgWatch: "false"},
		OnChange: func() { changes.Add(1) },
	})
	require.NoError(t, err)
	defer b.Close()

	cfg, err := b.Config(context.Background())
	require.NoError(t, err)
	cfg.Output(2).SetCurrentModeID("3")
	require.NoError(t, b.SetConfig(context.Background(), cfg))

	assert.Equal(t, int32(1), changes.Load())
	assert.Equal(t, 1, b.Applied())
	got, err := b.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", got.Output(2).CurrentModeID())
	assert.True(t, got.Supported().Has(display.FeatureWritable))
}

func TestWatchReloadsFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "display.yaml")
	data, err := os.ReadFile(filepath.Join("testdata", "multi.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	changed := make(chan struct{}, 16)
	b, err := New(backend.Options{
		Args:     map[string]string{ArgPath: path},
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer b.Close()

	parsed, err := Parse(data)
	require.NoError(t, err)
	parsed.Output(1).SetEnabled(false)
	out, err := Encode(parsed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))

	require.Eventually(t, func() bool {
		cfg, err := b.Config(context.Background())
		return err == nil && !cfg.Output(1).IsEnabled()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after editing the fixture")
	}
}

func TestWriteBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "display.yaml")
	data, err := os.ReadFile(filepath.Join("testdata", "multi.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b, err := New(backend.Options{Args: map[string]string{ArgPath: path, ArgWriteBack: "true", ArgWatch: "false"}})
	require.NoError(t, err)
	defer b.Close()

	cfg, err := b.Config(context.Background())
	require.NoError(t, err)
	cfg.Output(2).SetPos(display.Point{X: 1280, Y: 200})
	require.NoError(t, b.SetConfig(context.Background(), cfg))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := Parse(written)
	require.NoError(t, err)
	assert.Equal(t, display.Point{X: 1280, Y: 200}, back.Output(2).Pos())
}

func TestInvalidFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outputs: []\nbrightness: 5\n"), 0o644))

	_, err := New(backend.Options{Args: map[string]string{ArgPath: path}})
	assert.ErrorContains(t, err, "brightness")

	_, err = New(backend.Options{Args: map[string]string{ArgPath: filepath.Join(dir, "missing.yaml")}})
	assert.Error(t, err)
}

func TestSelfCheckRejected(t *testing.T) {
	r := backend.NewRegistry()
	r.Register(Descriptor())
	_, err := r.Open(backend.NameFake, backend.Options{Args: map[string]string{ArgValid: "false"}})
	assert.ErrorIs(t, err, backend.ErrInvalidBackend)
}

func TestEdid(t *testing.T) {
	raw := make([]byte, 128)
	cfg := DefaultConfig()
	cfg.Output(1).SetEdid(raw)

	b := mustDefault(t)
	require.NoError(t, b.SetConfig(context.Background(), cfg))
	got, err := b.Edid(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, got, 128)

	_, err = b.Edid(context.Background(), 42)
	assert.ErrorIs(t, err, backend.ErrUnknownOutput)
}
