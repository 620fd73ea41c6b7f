// Package fake implements a file backed display backend. It serves a
// configuration read from a YAML or JSON fixture, keeps applied configs in
// memory (optionally writing them back), and reports edits to the fixture
// file as hardware changes.
package fake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

// Argument keys understood by New
const (
	ArgPath      = "path"      // fixture file, empty for the built-in single panel
	ArgWriteBack = "writeback" // "true" writes applied configs to the fixture
	ArgWatch     = "watch"     // "false" disables the fixture watcher
	ArgValid     = "valid"     // "false" makes the self-check fail
)

// Backend is the file backed backend
type Backend struct {
	opts      backend.Options
	path      string
	writeBack bool
	valid     bool

	mu      sync.Mutex
	current *display.Config
	applied int

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Descriptor registers the fake backend
func Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:        backend.NameFake,
		Description: "fixture file backend for tests and demos",
		Factory:     func(opts backend.Options) (backend.Backend, error) { return New(opts) },
	}
}

// New loads the fixture and starts watching it
func New(opts backend.Options) (*Backend, error) {
	b := &Backend{
		opts:      opts,
		path:      opts.Arg(ArgPath, ""),
		writeBack: opts.Arg(ArgWriteBack, "false") == "true",
		valid:     opts.Arg(ArgValid, "true") != "false",
		done:      make(chan struct{}),
	}

	cfg, err := b.load()
	if err != nil {
		return nil, err
	}
	b.current = cfg

	if b.path != "" && opts.Arg(ArgWatch, "true") != "false" {
		if err := b.watch(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) Name() string {
	return backend.NameFake
}

func (b *Backend) IsValid() bool {
	return b.valid
}

// Config returns a clone of the current configuration
func (b *Backend) Config(ctx context.Context) (*display.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Clone(), nil
}

// SetConfig replaces the current configuration and reports the change
func (b *Backend) SetConfig(ctx context.Context, cfg *display.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	next := cfg.Clone()
	display.EnsurePrimary(next)
	display.DetectClones(next)

	b.mu.Lock()
	next.SetSupported(b.current.Supported())
	b.current = next
	b.applied++
	b.mu.Unlock()

	if b.writeBack && b.path != "" {
		if err := b.save(next); err != nil {
			return err
		}
	}
	logger.Debug("fake backend applied config", "outputs", len(next.Outputs()))
	b.opts.Changed()
	return nil
}

// Applied returns how many configs were set
func (b *Backend) Applied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// Edid returns the EDID stored for the output in the fixture
func (b *Backend) Edid(ctx context.Context, outputID int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.current.Output(outputID)
	if o == nil {
		return nil, fmt.Errorf("%w: %d", backend.ErrUnknownOutput, outputID)
	}
	return o.Edid().Raw(), nil
}

// Close stops the fixture watcher
func (b *Backend) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Backend) load() (*display.Config, error) {
	if b.path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", b.path, err)
	}
	return cfg, nil
}

func (b *Backend) save(cfg *display.Config) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fixture: %w", err)
	}
	return nil
}

// Encode renders cfg in the fixture format
func Encode(cfg *display.Config) ([]byte, error) {
	data, err := yaml.Marshal(display.ConfigToMap(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to encode fixture: %w", err)
	}
	return data, nil
}

// Parse decodes a YAML (or JSON) fixture and fills in what a real backend
// would infer: the primary output and clone groups.
func Parse(data []byte) (*display.Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	cfg, err := display.ConfigFromMap(raw)
	if err != nil {
		return nil, err
	}
	display.EnsurePrimary(cfg)
	hasClones := false
	for _, o := range cfg.Outputs() {
		if len(o.Clones()) > 0 {
			hasClones = true
			break
		}
	}
	if !hasClones {
		display.DetectClones(cfg)
	}
	return cfg, nil
}

// watch follows the fixture's directory so editors that replace the file
// are noticed too.
func (b *Backend) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(b.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", b.path, err)
	}
	b.watcher = w

	target := filepath.Clean(b.path)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				b.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("fixture watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (b *Backend) reload() {
	cfg, err := b.load()
	if err != nil {
		// Partial writes are common while an editor saves
		logger.Debug("ignoring unreadable fixture", "error", err)
		return
	}
	b.mu.Lock()
	b.current = cfg
	b.mu.Unlock()
	logger.Debug("fixture reloaded", "outputs", outputIDs(cfg))
	b.opts.Changed()
}

// DefaultConfig is a single 1280x800 laptop panel
func DefaultConfig() *display.Config {
	cfg := display.NewConfig()
	screen := display.NewScreen()
	screen.SetMinSize(display.Size{Width: 320, Height: 200})
	screen.SetMaxSize(display.Size{Width: 8192, Height: 8192})
	screen.SetCurrentSize(display.Size{Width: 1280, Height: 800})
	screen.SetMaxActiveOutputsCount(2)
	cfg.SetScreen(screen)
	cfg.SetSupported(display.FeaturePrimaryDisplay | display.FeatureWritable)

	panel := display.NewOutput(1)
	panel.Update(func(o *display.Output) {
		o.SetName("LVDS")
		o.SetType(display.TypePanel)
		o.SetConnected(true)
		o.SetEnabled(true)
		o.SetSizeMm(display.Size{Width: 331, Height: 207})
		modes := []*display.Mode{
			display.NewModeWith("3", "1280x800", display.Size{Width: 1280, Height: 800}, 59.9),
			display.NewModeWith("4", "1024x768", display.Size{Width: 1024, Height: 768}, 60),
			display.NewModeWith("5", "800x600", display.Size{Width: 800, Height: 600}, 60),
		}
		o.SetModes(modes)
		o.SetCurrentModeID("3")
		o.SetPreferredModes([]string{"3"})
	})
	cfg.AddOutput(panel)
	display.EnsurePrimary(cfg)
	return cfg
}

// outputIDs lists ids as strings, used in log lines
func outputIDs(cfg *display.Config) []string {
	var ids []string
	for _, o := range cfg.Outputs() {
		ids = append(ids, strconv.Itoa(o.ID()))
	}
	return ids
}
