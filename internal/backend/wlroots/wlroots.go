// Package wlroots drives wlroots based compositors (sway, river, Hyprland,
// labwc...) through the wlr-randr tool, which speaks the
// wlr-output-management protocol.
package wlroots

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/backend/drm"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

// Argument keys understood by New
const (
	ArgBinary = "binary" // wlr-randr executable
	ArgPoll   = "poll"   // change polling interval, default 2s, "0" disables
	ArgSysfs  = "sysfs"  // DRM sysfs root used for EDID lookups
)

// Runner executes wlr-randr with the given arguments and returns stdout
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Backend is the wlr-randr backend
type Backend struct {
	opts  backend.Options
	run   Runner
	sysfs string

	mu   sync.Mutex
	ids  map[string]int
	last []byte

	done chan struct{}
	wg   sync.WaitGroup
}

// Descriptor registers the wlroots backend
func Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:        backend.NameWlroots,
		Description: "wlroots compositors via wlr-randr",
		Factory:     func(opts backend.Options) (backend.Backend, error) { return New(opts) },
	}
}

// New checks that wlr-randr is installed and starts change polling
func New(opts backend.Options) (*Backend, error) {
	binary := opts.Arg(ArgBinary, "wlr-randr")
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("wlr-randr not found. Please install wlr-randr: https://gitlab.freedesktop.org/emersion/wlr-randr")
	}
	return NewWithRunner(opts, ExecRunner(path))
}

// NewWithRunner creates the backend around a custom runner
func NewWithRunner(opts backend.Options, run Runner) (*Backend, error) {
	interval := 2 * time.Second
	if raw := opts.Arg(ArgPoll, ""); raw != "" {
		if raw == "0" {
			interval = 0
		} else {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid poll interval %q: %w", raw, err)
			}
			interval = d
		}
	}

	b := &Backend{
		opts:  opts,
		run:   run,
		sysfs: opts.Arg(ArgSysfs, drm.DefaultRoot),
		ids:   make(map[string]int),
		done:  make(chan struct{}),
	}
	if interval > 0 {
		b.wg.Add(1)
		go b.poll(interval)
	}
	return b, nil
}

func (b *Backend) Name() string {
	return backend.NameWlroots
}

// IsValid probes the compositor once
func (b *Backend) IsValid() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.query(ctx)
	if err != nil {
		logger.Debug("wlr-randr probe failed", "error", err)
	}
	return err == nil
}

type wlrMode struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Refresh   float64 `json:"refresh"`
	Preferred bool    `json:"preferred"`
	Current   bool    `json:"current"`
}

type wlrOutput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	PhysicalSize struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"physical_size"`
	Enabled  bool      `json:"enabled"`
	Modes    []wlrMode `json:"modes"`
	Position struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"position"`
	Transform string  `json:"transform"`
	Scale     float64 `json:"scale"`
}

func (b *Backend) query(ctx context.Context) ([]wlrOutput, error) {
	data, err := b.run(ctx, "--json")
	if err != nil {
		return nil, fmt.Errorf("wlr-randr --json failed: %w", err)
	}
	var outputs []wlrOutput
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("failed to parse wlr-randr output: %w", err)
	}
	return outputs, nil
}

// Config queries the compositor. wlroots has no primary output notion, so the
// output at the origin is flagged primary.
func (b *Backend) Config(ctx context.Context) (*display.Config, error) {
	outputs, err := b.query(ctx)
	if err != nil {
		return nil, err
	}

	cfg := display.NewConfig()
	cfg.SetSupported(display.FeatureWritable | display.FeaturePerOutputScaling)
	screen := display.NewScreen()
	screen.SetMinSize(display.Size{Width: 1, Height: 1})
	screen.SetMaxSize(display.Size{Width: 16384, Height: 16384})
	screen.SetMaxActiveOutputsCount(len(outputs))
	cfg.SetScreen(screen)

	for _, wo := range outputs {
		cfg.AddOutput(b.toOutput(wo))
	}
	screen.SetCurrentSize(display.BoundingRect(cfg).Size())
	display.EnsurePrimary(cfg)
	display.DetectClones(cfg)
	return cfg, nil
}

func (b *Backend) toOutput(wo wlrOutput) *display.Output {
	o := display.NewOutput(b.outputID(wo.Name))
	o.Update(func(o *display.Output) {
		o.SetName(wo.Name)
		o.SetType(display.GuessOutputType(wo.Name))
		o.SetConnected(true)
		o.SetEnabled(wo.Enabled)
		o.SetPos(display.Point{X: wo.Position.X, Y: wo.Position.Y})
		o.SetRotation(parseTransform(wo.Transform))
		o.SetSizeMm(display.Size{Width: wo.PhysicalSize.Width, Height: wo.PhysicalSize.Height})
		if wo.Scale > 0 {
			o.SetScale(wo.Scale)
		}

		var modes []*display.Mode
		var preferred []string
		for _, m := range wo.Modes {
			id := modeID(m.Width, m.Height, m.Refresh)
			size := display.Size{Width: m.Width, Height: m.Height}
			modes = append(modes, display.NewModeWith(id, size.String(), size, m.Refresh))
			if m.Preferred {
				preferred = append(preferred, id)
			}
			if m.Current && wo.Enabled {
				o.SetCurrentModeID(id)
			}
		}
		o.SetModes(modes)
		o.SetPreferredModes(preferred)
	})
	return o
}

// SetConfig applies every known output in a single wlr-randr invocation
func (b *Backend) SetConfig(ctx context.Context, cfg *display.Config) error {
	args, err := ApplyArgs(cfg)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	logger.Debug("applying with wlr-randr", "args", strings.Join(args, " "))
	if _, err := b.run(ctx, args...); err != nil {
		return fmt.Errorf("wlr-randr apply failed: %w", err)
	}
	b.opts.Changed()
	return nil
}

// ApplyArgs renders cfg as wlr-randr arguments
func ApplyArgs(cfg *display.Config) ([]string, error) {
	var args []string
	for _, o := range cfg.Outputs() {
		if o.Name() == "" {
			continue
		}
		args = append(args, "--output", o.Name())
		if !o.IsEnabled() {
			args = append(args, "--off")
			continue
		}
		mode := o.CurrentMode()
		if mode == nil {
			return nil, fmt.Errorf("output %s: %w", o.Name(), display.ErrNoCurrentMode)
		}
		size := mode.Size()
		pos := o.Pos()
		args = append(args,
			"--on",
			"--mode", fmt.Sprintf("%dx%d@%sHz", size.Width, size.Height, formatRefresh(mode.RefreshRate())),
			"--pos", fmt.Sprintf("%d,%d", pos.X, pos.Y),
			"--transform", formatTransform(o.Rotation()),
			"--scale", strconv.FormatFloat(o.Scale(), 'f', -1, 64),
		)
	}
	return args, nil
}

// Edid reads the EDID of the named connector from sysfs
func (b *Backend) Edid(ctx context.Context, outputID int) ([]byte, error) {
	b.mu.Lock()
	var name string
	for n, id := range b.ids {
		if id == outputID {
			name = n
			break
		}
	}
	b.mu.Unlock()
	if name == "" {
		return nil, fmt.Errorf("%w: %d", backend.ErrUnknownOutput, outputID)
	}
	dir := drm.FindConnector(b.sysfs, name)
	if dir == "" {
		return nil, nil
	}
	return drm.ReadEdid(dir)
}

// Close stops polling
func (b *Backend) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()
	return nil
}

func (b *Backend) outputID(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.ids[name]; ok {
		return id
	}
	id := len(b.ids) + 1
	b.ids[name] = id
	return id
}

// poll compares raw wlr-randr output since the tool cannot subscribe to
// output manager events
func (b *Backend) poll(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			data, err := b.run(ctx, "--json")
			cancel()
			if err != nil {
				continue
			}
			b.mu.Lock()
			changed := b.last != nil && !bytes.Equal(b.last, data)
			b.last = data
			b.mu.Unlock()
			if changed {
				logger.Debug("wlroots outputs changed")
				b.opts.Changed()
			}
		}
	}
}

func modeID(width, height int, refresh float64) string {
	return fmt.Sprintf("%dx%d@%s", width, height, formatRefresh(refresh))
}

func formatRefresh(refresh float64) string {
	return strconv.FormatFloat(refresh, 'f', 3, 64)
}

func parseTransform(t string) display.Rotation {
	switch strings.TrimPrefix(t, "flipped-") {
	case "90":
		return display.RotationLeft
	case "180":
		return display.RotationInverted
	case "270":
		return display.RotationRight
	default:
		return display.RotationNone
	}
}

func formatTransform(r display.Rotation) string {
	switch r {
	case display.RotationLeft:
		return "90"
	case display.RotationInverted:
		return "180"
	case display.RotationRight:
		return "270"
	default:
		return "normal"
	}
}

// ExecRunner runs the binary at path, fixing up the Wayland environment when
// running under sudo
func ExecRunner(path string) Runner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Env = commandEnv()
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && stderr.Len() > 0 {
				return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
			}
			return nil, err
		}
		return out, nil
	}
}

// commandEnv returns the environment for wlr-randr. Under sudo the
// compositor socket lives in the invoking user's runtime directory.
func commandEnv() []string {
	env := os.Environ()
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" || os.Geteuid() != 0 {
		return env
	}
	logger.Debugf("Running wlr-randr with sudo, SUDO_USER=%s", sudoUser)

	sudoUID := os.Getenv("SUDO_UID")
	if sudoUID == "" {
		if out, err := exec.Command("id", "-u", sudoUser).Output(); err == nil {
			sudoUID = strings.TrimSpace(string(out))
		}
	}

	runtimeDir := fmt.Sprintf("/run/user/%s", sudoUID)
	env = append(env, "XDG_RUNTIME_DIR="+runtimeDir)

	waylandDisplay := ""
	if files, err := os.ReadDir(runtimeDir); err == nil {
		for _, file := range files {
			if strings.HasPrefix(file.Name(), "wayland-") && !strings.HasSuffix(file.Name(), ".lock") {
				waylandDisplay = file.Name()
				break
			}
		}
	} else {
		logger.Warnf("Could not read socket directory %s: %v", runtimeDir, err)
	}
	if waylandDisplay == "" {
		waylandDisplay = os.Getenv("WAYLAND_DISPLAY")
	}
	if waylandDisplay == "" {
		logger.Warn("Could not detect WAYLAND_DISPLAY for sudo session")
		return env
	}
	return append(env, "WAYLAND_DISPLAY="+waylandDisplay)
}
