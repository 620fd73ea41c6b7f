package display

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// ModeField identifies a mutable Mode attribute in change notifications
type ModeField uint32

const (
	ModeNameChanged ModeField = 1 << iota
	ModeSizeChanged
	ModeRefreshRateChanged

	// ModeChanged is delivered once after the specific fields of one change
	ModeChanged ModeField = 1 << 31
)

// Mode is one timing (resolution + refresh rate) an Output can be driven at.
// The id is the stable identifier across backends and never changes.
type Mode struct {
	mu          sync.RWMutex
	id          string
	name        string
	size        Size
	refreshRate float64

	sig signals[ModeField]
}

// NewMode creates a mode with the given id
func NewMode(id string) *Mode {
	m := &Mode{id: id}
	m.sig.aggregate = ModeChanged
	return m
}

// NewModeWith is a shorthand used by backends that know every field up front
func NewModeWith(id, name string, size Size, refreshRate float64) *Mode {
	m := NewMode(id)
	m.name = name
	m.size = size
	m.refreshRate = refreshRate
	return m
}

func (m *Mode) ID() string {
	return m.id
}

func (m *Mode) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *Mode) SetName(name string) {
	m.mu.Lock()
	if m.name == name {
		m.mu.Unlock()
		return
	}
	m.name = name
	m.mu.Unlock()
	m.sig.notify(ModeNameChanged)
}

func (m *Mode) Size() Size {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Mode) SetSize(size Size) {
	m.mu.Lock()
	if m.size == size {
		m.mu.Unlock()
		return
	}
	m.size = size
	m.mu.Unlock()
	m.sig.notify(ModeSizeChanged)
}

func (m *Mode) RefreshRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshRate
}

func (m *Mode) SetRefreshRate(rate float64) {
	m.mu.Lock()
	if m.refreshRate == rate {
		m.mu.Unlock()
		return
	}
	m.refreshRate = rate
	m.mu.Unlock()
	m.sig.notify(ModeRefreshRateChanged)
}

// Subscribe registers fn for change notifications and returns its cancel func
func (m *Mode) Subscribe(fn func(ModeField)) (cancel func()) {
	return m.sig.subscribe(fn)
}

// Clone returns an independent copy without subscribers
func (m *Mode) Clone() *Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return NewModeWith(m.id, m.name, m.size, m.refreshRate)
}

// Equal compares id, name, size and refresh rate
func (m *Mode) Equal(other *Mode) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m == other {
		return true
	}
	a, b := m.values(), other.values()
	return a == b
}

type modeValues struct {
	id          string
	name        string
	size        Size
	refreshRate float64
}

func (m *Mode) values() modeValues {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return modeValues{id: m.id, name: m.name, size: m.size, refreshRate: m.refreshRate}
}

func (m *Mode) String() string {
	v := m.values()
	return fmt.Sprintf("%s:%s@%.2f", v.id, v.size, v.refreshRate)
}

// modesEqual compares two mode sets structurally: same key set, and for every
// key an equal Mode.
func modesEqual(a, b map[string]*Mode) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ma := range a {
		mb, ok := b[id]
		if !ok || !ma.Equal(mb) {
			return false
		}
	}
	return true
}

func cloneModes(modes map[string]*Mode) map[string]*Mode {
	out := make(map[string]*Mode, len(modes))
	for id, m := range modes {
		out[id] = m.Clone()
	}
	return out
}

func sortedModeIDs(modes map[string]*Mode) []string {
	ids := make([]string, 0, len(modes))
	for id := range modes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// biggestMode returns the id of the mode with the largest area, ties broken by
// the highest refresh rate. Candidates are visited in id order and a full tie
// goes to the later one.
func biggestMode(modes map[string]*Mode, candidates []string) string {
	var (
		total   = -1
		biggest *Mode
	)
	for _, id := range candidates {
		mode, ok := modes[id]
		if !ok {
			continue
		}
		v := mode.values()
		area := v.size.Area()
		if area < total {
			continue
		}
		if area == total && biggest != nil {
			rate := biggest.RefreshRate()
			if v.refreshRate < rate && !almostEqual(v.refreshRate, rate) {
				continue
			}
		}
		total = area
		biggest = mode
	}
	if biggest == nil {
		return ""
	}
	return biggest.ID()
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}
