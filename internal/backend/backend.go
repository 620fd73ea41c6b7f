// Package backend defines the contract every display backend implements and
// the registry used to pick one.
package backend

import (
	"context"
	"errors"

	"github.com/bnema/dispconf/internal/display"
)

var (
	// ErrReadOnly is returned by SetConfig on backends that can only query
	ErrReadOnly = errors.New("backend is read-only")
	// ErrUnknownBackend means no factory is registered under the name
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrInvalidBackend means the factory succeeded but the backend failed its self-check
	ErrInvalidBackend = errors.New("backend failed its self-check")
	// ErrUnknownOutput is returned for output ids the backend does not know
	ErrUnknownOutput = errors.New("unknown output")
)

// Backend is a platform binding able to query and apply display configs
type Backend interface {
	Name() string
	// IsValid reports whether the backend is usable in the current session
	IsValid() bool
	// Config returns a fresh snapshot owned by the caller
	Config(ctx context.Context) (*display.Config, error)
	// SetConfig applies cfg. Positions are already normalized.
	SetConfig(ctx context.Context, cfg *display.Config) error
	// Edid returns the raw EDID blob of an output, empty when unknown
	Edid(ctx context.Context, outputID int) ([]byte, error)
	Close() error
}

// Options are handed to a Factory
type Options struct {
	// Args are backend specific key=value settings
	Args map[string]string
	// OnChange is called from any goroutine whenever the backend notices a
	// hardware or configuration change. It may be nil.
	OnChange func()
}

// Arg returns Args[key], or def when unset
func (o Options) Arg(key, def string) string {
	if v, ok := o.Args[key]; ok && v != "" {
		return v
	}
	return def
}

// Changed invokes OnChange when set
func (o Options) Changed() {
	if o.OnChange != nil {
		o.OnChange()
	}
}

// Factory creates a backend instance
type Factory func(opts Options) (Backend, error)
