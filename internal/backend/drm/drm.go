// Package drm is the generic fallback backend. It reads connector state from
// /sys/class/drm, which works on any Linux session but cannot report
// positions or change anything.
package drm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

// DefaultRoot is where the kernel exposes DRM connectors
const DefaultRoot = "/sys/class/drm"

// Argument keys understood by New
const (
	ArgRoot = "root" // sysfs directory, DefaultRoot when unset
	ArgPoll = "poll" // connector polling interval such as "2s", off when unset
)

// Backend is the read-only sysfs backend
type Backend struct {
	opts backend.Options
	root string

	mu  sync.Mutex
	ids map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// Descriptor registers the drm backend
func Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:        backend.NameDRM,
		Description: "read-only connector listing from /sys/class/drm",
		Factory:     func(opts backend.Options) (backend.Backend, error) { return New(opts) },
	}
}

// New creates the backend and starts polling when requested
func New(opts backend.Options) (*Backend, error) {
	b := &Backend{
		opts: opts,
		root: opts.Arg(ArgRoot, DefaultRoot),
		ids:  make(map[string]int),
		done: make(chan struct{}),
	}
	if raw := opts.Arg(ArgPoll, ""); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid poll interval %q: %w", raw, err)
		}
		b.wg.Add(1)
		go b.poll(interval, b.signature())
	}
	return b, nil
}

func (b *Backend) Name() string {
	return backend.NameDRM
}

// IsValid reports whether the sysfs directory exists
func (b *Backend) IsValid() bool {
	info, err := os.Stat(b.root)
	return err == nil && info.IsDir()
}

// Connector is one card*-NAME sysfs entry
type Connector struct {
	Dir     string
	Name    string
	Status  string
	Enabled bool
	Modes   []string
}

// Connectors lists the connectors under the sysfs root, sorted by name
func (b *Backend) Connectors() ([]Connector, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.root, err)
	}
	var out []Connector
	for _, entry := range entries {
		card, name, ok := strings.Cut(entry.Name(), "-")
		if !ok || !strings.HasPrefix(card, "card") {
			continue
		}
		dir := filepath.Join(b.root, entry.Name())
		status, err := readTrimmed(filepath.Join(dir, "status"))
		if err != nil {
			continue
		}
		enabled, _ := readTrimmed(filepath.Join(dir, "enabled"))
		modes, _ := readTrimmed(filepath.Join(dir, "modes"))
		out = append(out, Connector{
			Dir:     dir,
			Name:    name,
			Status:  status,
			Enabled: enabled == "enabled",
			Modes:   strings.Fields(modes),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Config builds a snapshot. Enabled outputs are laid out left to right in
// connector order since sysfs carries no positions.
func (b *Backend) Config(ctx context.Context) (*display.Config, error) {
	connectors, err := b.Connectors()
	if err != nil {
		return nil, err
	}

	cfg := display.NewConfig()
	screen := display.NewScreen()
	screen.SetMinSize(display.Size{Width: 320, Height: 200})
	screen.SetMaxSize(display.Size{Width: 16384, Height: 16384})
	screen.SetMaxActiveOutputsCount(len(connectors))
	cfg.SetScreen(screen)

	x := 0
	var total display.Rect
	for _, c := range connectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o := display.NewOutput(b.outputID(c.Name))
		o.Update(func(o *display.Output) {
			o.SetName(c.Name)
			o.SetType(display.GuessOutputType(c.Name))
			o.SetConnected(c.Status == "connected")
			o.SetEnabled(c.Enabled && c.Status == "connected")
			modes, preferred := ParseModes(c.Modes)
			o.SetModes(modes)
			if preferred != "" {
				o.SetPreferredModes([]string{preferred})
				if o.IsEnabled() {
					o.SetCurrentModeID(preferred)
				}
			}
			if o.IsEnabled() {
				o.SetPos(display.Point{X: x, Y: 0})
				x += o.Geometry().Width
			}
		})
		if edid, err := ReadEdid(c.Dir); err == nil {
			o.SetEdid(edid)
		}
		if o.IsEnabled() {
			total = total.United(o.Geometry())
		}
		cfg.AddOutput(o)
	}
	screen.SetCurrentSize(total.Size())
	display.EnsurePrimary(cfg)
	display.DetectClones(cfg)
	return cfg, nil
}

// SetConfig always fails: sysfs is read-only
func (b *Backend) SetConfig(ctx context.Context, cfg *display.Config) error {
	return backend.ErrReadOnly
}

// Edid reads the connector's edid file
func (b *Backend) Edid(ctx context.Context, outputID int) ([]byte, error) {
	connectors, err := b.Connectors()
	if err != nil {
		return nil, err
	}
	for _, c := range connectors {
		if b.outputID(c.Name) == outputID {
			return ReadEdid(c.Dir)
		}
	}
	return nil, fmt.Errorf("%w: %d", backend.ErrUnknownOutput, outputID)
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

// outputID hands out ids in order of first sight so they stay stable for the
// backend's lifetime
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

func (b *Backend) poll(interval time.Duration, last string) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			current := b.signature()
			if current != last {
				logger.Debug("drm connectors changed")
				last = current
				b.opts.Changed()
			}
		}
	}
}

func (b *Backend) signature() string {
	connectors, err := b.Connectors()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range connectors {
		fmt.Fprintf(&sb, "%s:%s:%t:%s;", c.Name, c.Status, c.Enabled, strings.Join(c.Modes, ","))
	}
	return sb.String()
}

// ParseModes turns sysfs mode lines ("1920x1080", "720x480i") into modes.
// Duplicate resolutions collapse into one mode; the first line is the
// preferred one.
func ParseModes(lines []string) (modes []*display.Mode, preferred string) {
	seen := make(map[string]bool)
	for _, line := range lines {
		w, h, ok := parseResolution(line)
		if !ok || seen[line] {
			continue
		}
		seen[line] = true
		modes = append(modes, display.NewModeWith(line, line, display.Size{Width: w, Height: h}, 0))
		if preferred == "" {
			preferred = line
		}
	}
	return modes, preferred
}

func parseResolution(s string) (int, int, bool) {
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, false
	}
	hs = strings.TrimRight(hs, "i")
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}

// ReadEdid reads the edid blob of a connector directory. Empty files (no
// monitor attached) return nil.
func ReadEdid(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, "edid"))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimRight(data, "\x00")) == 0 {
		return nil, nil
	}
	return data, nil
}

// FindConnector returns the sysfs directory of the connector with the given
// name (e.g. "DP-1"), or "" when none matches.
func FindConnector(root, name string) string {
	matches, _ := filepath.Glob(filepath.Join(root, "card*-"+name))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
