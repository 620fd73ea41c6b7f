package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bnema/dispconf/internal/backend"
)

func TestRegistry(t *testing.T) {
	r := Registry()

	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
		assert.NotNil(t, d.Factory, d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
	}
	assert.Equal(t, []string{backend.NameXRandR, backend.NameWlroots, backend.NameDRM, backend.NameFake}, names)
	assert.True(t, r.IsIsolated(backend.NameXRandR))
	assert.False(t, r.IsIsolated(backend.NameFake))
}

func TestPreferredUsesPlatform(t *testing.T) {
	r := Registry()
	getenv := func(key string) string {
		if key == "WAYLAND_DISPLAY" {
			return "wayland-1"
		}
		return ""
	}
	assert.Equal(t, backend.NameWlroots, r.Preferred("", "", getenv))
	assert.Equal(t, backend.NameFake, r.Preferred("", backend.NameFake, getenv))
}
