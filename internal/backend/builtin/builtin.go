// Package builtin wires every backend shipped with dispconf into a registry.
package builtin

import (
	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/backend/drm"
	"github.com/bnema/dispconf/internal/backend/fake"
	"github.com/bnema/dispconf/internal/backend/wlroots"
	"github.com/bnema/dispconf/internal/backend/xrandr"
)

// Registry returns a registry holding the built-in backends, most capable first
func Registry() *backend.Registry {
	r := backend.NewRegistry()
	r.Register(xrandr.Descriptor())
	r.Register(wlroots.Descriptor())
	r.Register(drm.Descriptor())
	r.Register(fake.Descriptor())
	return r
}
