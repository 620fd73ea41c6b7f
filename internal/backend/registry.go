package backend

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bnema/dispconf/internal/logger"
)

// Well known backend names used by platform detection
const (
	NameXRandR  = "xrandr"
	NameWlroots = "wlroots"
	NameDRM     = "drm"
	NameFake    = "fake"

	// FallbackName is used when nothing else matches
	FallbackName = NameDRM
)

// Descriptor describes a registered backend
type Descriptor struct {
	Name        string
	Description string
	// Isolated backends prefer running out of process (they hold a
	// connection to a display server that may die under them)
	Isolated bool
	Factory  Factory
}

// Registry holds backend factories in registration order
type Registry struct {
	mu          sync.RWMutex
	descriptors []Descriptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds or replaces a backend
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.descriptors {
		if existing.Name == d.Name {
			r.descriptors[i] = d
			return
		}
	}
	r.descriptors = append(r.descriptors, d)
}

// Descriptors returns every registered backend in registration order
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Lookup finds a backend by name
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Open creates the named backend and runs its self-check. A backend that
// fails the check is closed and rejected with ErrInvalidBackend.
func (r *Registry) Open(name string, opts Options) (Backend, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, err := d.Factory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend %s: %w", name, err)
	}
	if b == nil || !b.IsValid() {
		if b != nil {
			_ = b.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, name)
	}
	return b, nil
}

// Preferred picks the backend name to load: the explicitly requested one,
// then the override from settings or environment, then platform detection.
// Names that are not registered fall through to the next source, and the
// generic FallbackName is used when nothing else matches.
func (r *Registry) Preferred(requested, override string, getenv func(string) string) string {
	for _, candidate := range []string{requested, override, DetectPlatform(getenv)} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := r.Lookup(candidate); ok {
			return candidate
		}
		logger.Warn("backend not registered, trying next choice", "name", candidate)
	}
	return FallbackName
}

// IsIsolated reports whether the named backend prefers running out of process
func (r *Registry) IsIsolated(name string) bool {
	d, ok := r.Lookup(name)
	return ok && d.Isolated
}

// DetectPlatform maps the session environment to a backend name
func DetectPlatform(getenv func(string) string) string {
	switch {
	case getenv("WAYLAND_DISPLAY") != "", strings.EqualFold(getenv("XDG_SESSION_TYPE"), "wayland"):
		return NameWlroots
	case getenv("DISPLAY") != "", strings.EqualFold(getenv("XDG_SESSION_TYPE"), "x11"):
		return NameXRandR
	default:
		return FallbackName
	}
}
