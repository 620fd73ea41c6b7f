// Package display holds the backend-agnostic display configuration model:
// modes, outputs, the screen limits, and the Config aggregate with its
// clone/apply reconciliation and validity checks.
package display

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConfigEventKind tells what happened to a Config's output table
type ConfigEventKind int

const (
	OutputAdded ConfigEventKind = iota + 1
	OutputRemoved
	PrimaryOutputChanged
)

func (k ConfigEventKind) String() string {
	switch k {
	case OutputAdded:
		return "outputAdded"
	case OutputRemoved:
		return "outputRemoved"
	case PrimaryOutputChanged:
		return "primaryOutputChanged"
	default:
		return fmt.Sprintf("ConfigEventKind(%d)", int(k))
	}
}

// ConfigEvent is delivered to Config subscribers. OutputID is 0 when a
// PrimaryOutputChanged leaves the config without a primary output.
type ConfigEvent struct {
	Kind     ConfigEventKind
	OutputID int
}

// Config is the top-level aggregate: one Screen plus the outputs keyed by id.
// The primary output is an id lookup into the table, never a stored pointer.
type Config struct {
	mu        sync.RWMutex
	screen    *Screen
	outputs   map[int]*Output
	primaryID int
	valid     bool
	supported Features

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func(ConfigEvent)
}

// NewConfig creates an empty, valid config with an empty screen
func NewConfig() *Config {
	return &Config{
		screen:    NewScreen(),
		outputs:   make(map[int]*Output),
		valid:     true,
		listeners: make(map[int]func(ConfigEvent)),
	}
}

// Subscribe registers fn for output table events and returns its cancel func
func (c *Config) Subscribe(fn func(ConfigEvent)) (cancel func()) {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Config) emit(events ...ConfigEvent) {
	if len(events) == 0 {
		return
	}
	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ConfigEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (c *Config) Screen() *Screen {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screen
}

func (c *Config) SetScreen(s *Screen) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = s
}

func (c *Config) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

func (c *Config) SetValid(valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = valid
}

// Supported returns the feature flags of the backend that produced the config
func (c *Config) Supported() Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supported
}

func (c *Config) SetSupported(f Features) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supported = f
}

// Output returns the output with the given id, or nil
func (c *Config) Output(id int) *Output {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outputs[id]
}

// Outputs returns every output ordered by id
func (c *Config) Outputs() []*Output {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedOutputsLocked()
}

func (c *Config) sortedOutputsLocked() []*Output {
	ids := make([]int, 0, len(c.outputs))
	for id := range c.outputs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*Output, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.outputs[id])
	}
	return out
}

// ConnectedOutputs returns the connected outputs ordered by id
func (c *Config) ConnectedOutputs() []*Output {
	var out []*Output
	for _, o := range c.Outputs() {
		if o.IsConnected() {
			out = append(out, o)
		}
	}
	return out
}

// EnabledOutputs returns the enabled outputs ordered by id
func (c *Config) EnabledOutputs() []*Output {
	var out []*Output
	for _, o := range c.Outputs() {
		if o.IsEnabled() {
			out = append(out, o)
		}
	}
	return out
}

// AddOutput inserts o, replacing any output with the same id
func (c *Config) AddOutput(o *Output) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.outputs[o.ID()] = o
	events := []ConfigEvent{{Kind: OutputAdded, OutputID: o.ID()}}
	if ev, ok := c.refreshPrimaryLocked(); ok {
		events = append(events, ev)
	}
	c.mu.Unlock()
	c.emit(events...)
}

// RemoveOutput drops the output with the given id, if present
func (c *Config) RemoveOutput(id int) {
	c.mu.Lock()
	if _, ok := c.outputs[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.outputs, id)
	events := []ConfigEvent{{Kind: OutputRemoved, OutputID: id}}
	if ev, ok := c.refreshPrimaryLocked(); ok {
		events = append(events, ev)
	}
	c.mu.Unlock()
	c.emit(events...)
}

// SetOutputs replaces the whole output table
func (c *Config) SetOutputs(outputs []*Output) {
	c.mu.Lock()
	var events []ConfigEvent
	for id := range c.outputs {
		events = append(events, ConfigEvent{Kind: OutputRemoved, OutputID: id})
	}
	c.outputs = make(map[int]*Output, len(outputs))
	for _, o := range outputs {
		if o == nil {
			continue
		}
		c.outputs[o.ID()] = o
		events = append(events, ConfigEvent{Kind: OutputAdded, OutputID: o.ID()})
	}
	if ev, ok := c.refreshPrimaryLocked(); ok {
		events = append(events, ev)
	}
	c.mu.Unlock()
	c.emit(events...)
}

// PrimaryOutput returns the output flagged primary, or nil
func (c *Config) PrimaryOutput() *Output {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primaryID == 0 {
		return nil
	}
	return c.outputs[c.primaryID]
}

// SetPrimaryOutput flags the output with the given id as primary and clears
// the flag everywhere else. An id of 0 (or an unknown id) clears it everywhere.
func (c *Config) SetPrimaryOutput(id int) {
	c.mu.Lock()
	outputs := c.sortedOutputsLocked()
	c.mu.Unlock()

	for _, o := range outputs {
		o.SetPrimary(o.ID() == id)
	}

	c.mu.Lock()
	ev, ok := c.refreshPrimaryLocked()
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

// refreshPrimaryLocked rescans the table for the primary flag. With more than
// one flagged output the lowest id wins.
func (c *Config) refreshPrimaryLocked() (ConfigEvent, bool) {
	next := 0
	for _, o := range c.sortedOutputsLocked() {
		if o.IsPrimary() {
			next = o.ID()
			break
		}
	}
	if next == c.primaryID {
		return ConfigEvent{}, false
	}
	c.primaryID = next
	return ConfigEvent{Kind: PrimaryOutputChanged, OutputID: next}, true
}

// Clone returns an independent deep copy: every output, mode and EDID is
// duplicated, subscribers are not.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := NewConfig()
	if c.screen != nil {
		n.screen = c.screen.Clone()
	} else {
		n.screen = nil
	}
	for id, o := range c.outputs {
		n.outputs[id] = o.Clone()
	}
	n.primaryID = c.primaryID
	n.valid = c.valid
	n.supported = c.supported
	return n
}

// Apply merges other into c in place. Outputs missing from other are removed,
// new ones are added as clones, and shared ones are reconciled with
// Output.Apply so that only real changes are signalled. The primary output is
// recomputed afterwards.
func (c *Config) Apply(other *Config) {
	if other == nil || other == c {
		return
	}

	other.mu.RLock()
	incoming := make(map[int]*Output, len(other.outputs))
	for id, o := range other.outputs {
		incoming[id] = o
	}
	otherScreen := other.screen
	valid := other.valid
	supported := other.supported
	other.mu.RUnlock()

	c.mu.Lock()
	var events []ConfigEvent
	var shared [][2]*Output
	for _, o := range c.sortedOutputsLocked() {
		if _, ok := incoming[o.ID()]; !ok {
			delete(c.outputs, o.ID())
			events = append(events, ConfigEvent{Kind: OutputRemoved, OutputID: o.ID()})
		}
	}
	ids := make([]int, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if existing, ok := c.outputs[id]; ok {
			shared = append(shared, [2]*Output{existing, incoming[id]})
			continue
		}
		c.outputs[id] = incoming[id].Clone()
		events = append(events, ConfigEvent{Kind: OutputAdded, OutputID: id})
	}
	c.valid = valid
	c.supported = supported
	screen := c.screen
	if screen == nil && otherScreen != nil {
		c.screen = otherScreen.Clone()
	}
	c.mu.Unlock()

	// Outputs notify their own subscribers, so they are reconciled outside c.mu
	for _, pair := range shared {
		pair[0].Apply(pair[1])
	}
	if screen != nil && otherScreen != nil {
		screen.Apply(otherScreen)
	}

	c.mu.Lock()
	if ev, ok := c.refreshPrimaryLocked(); ok {
		events = append(events, ev)
	}
	c.mu.Unlock()
	c.emit(events...)
}

func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config(")
	for i, o := range c.Outputs() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(o.String())
	}
	b.WriteString(")")
	return b.String()
}
