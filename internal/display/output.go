package display

import (
	"fmt"
	"slices"
	"sync"
)

// OutputField identifies a mutable Output attribute in change notifications
type OutputField uint32

const (
	NameChanged OutputField = 1 << iota
	TypeChanged
	IconChanged
	ModesChanged
	ClonesChanged
	CurrentModeChanged
	PreferredModesChanged
	PosChanged
	SizeChanged
	RotationChanged
	ScaleChanged
	ConnectedChanged
	EnabledChanged
	PrimaryChanged
	SizeMmChanged

	// OutputChanged is delivered once after the specific fields of one change
	OutputChanged OutputField = 1 << 31
)

var outputFieldNames = map[OutputField]string{
	NameChanged:           "name",
	TypeChanged:           "type",
	IconChanged:           "icon",
	ModesChanged:          "modes",
	ClonesChanged:         "clones",
	CurrentModeChanged:    "currentMode",
	PreferredModesChanged: "preferredModes",
	PosChanged:            "pos",
	SizeChanged:           "size",
	RotationChanged:       "rotation",
	ScaleChanged:          "scale",
	ConnectedChanged:      "connected",
	EnabledChanged:        "enabled",
	PrimaryChanged:        "primary",
	SizeMmChanged:         "sizeMM",
	OutputChanged:         "output",
}

func (f OutputField) String() string {
	if name, ok := outputFieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("OutputField(%#x)", uint32(f))
}

// Output is one display head. The id is process-local and stable for the
// lifetime of the object.
type Output struct {
	mu             sync.RWMutex
	id             int
	name           string
	typ            OutputType
	icon           string
	modes          map[string]*Mode
	clones         []int
	currentModeID  string
	preferredModes []string
	preferredMode  string
	sizeMm         Size
	pos            Point
	size           Size
	rotation       Rotation
	scale          float64
	connected      bool
	enabled        bool
	primary        bool
	edid           *Edid

	sig signals[OutputField]
}

// NewOutput creates a disconnected, disabled output with the given id
func NewOutput(id int) *Output {
	o := &Output{
		id:       id,
		modes:    make(map[string]*Mode),
		rotation: RotationNone,
		scale:    1.0,
	}
	o.sig.aggregate = OutputChanged
	return o
}

// Subscribe registers fn for change notifications and returns its cancel func
func (o *Output) Subscribe(fn func(OutputField)) (cancel func()) {
	return o.sig.subscribe(fn)
}

// Update runs fn with notifications held back; every field changed inside fn
// is delivered once afterwards, followed by a single OutputChanged.
func (o *Output) Update(fn func(o *Output)) {
	o.sig.block()
	defer o.sig.unblock()
	fn(o)
}

func (o *Output) ID() int {
	return o.id
}

func (o *Output) Name() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.name
}

func (o *Output) SetName(name string) {
	setField(o, &o.name, name, NameChanged)
}

func (o *Output) Type() OutputType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.typ
}

func (o *Output) SetType(t OutputType) {
	setField(o, &o.typ, t, TypeChanged)
}

func (o *Output) Icon() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.icon
}

func (o *Output) SetIcon(icon string) {
	setField(o, &o.icon, icon, IconChanged)
}

func (o *Output) Pos() Point {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pos
}

func (o *Output) SetPos(pos Point) {
	setField(o, &o.pos, pos, PosChanged)
}

// Size is the explicit output size, used when no current mode is known
func (o *Output) Size() Size {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size
}

func (o *Output) SetSize(size Size) {
	setField(o, &o.size, size, SizeChanged)
}

func (o *Output) Rotation() Rotation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rotation
}

func (o *Output) SetRotation(r Rotation) {
	setField(o, &o.rotation, r, RotationChanged)
}

// IsHorizontal is false for Left/Right rotations
func (o *Output) IsHorizontal() bool {
	return o.Rotation().IsHorizontal()
}

func (o *Output) Scale() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.scale
}

func (o *Output) SetScale(scale float64) {
	setField(o, &o.scale, scale, ScaleChanged)
}

func (o *Output) SizeMm() Size {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sizeMm
}

func (o *Output) SetSizeMm(size Size) {
	setField(o, &o.sizeMm, size, SizeMmChanged)
}

func (o *Output) IsConnected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.connected
}

func (o *Output) SetConnected(connected bool) {
	setField(o, &o.connected, connected, ConnectedChanged)
}

func (o *Output) IsEnabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

func (o *Output) SetEnabled(enabled bool) {
	setField(o, &o.enabled, enabled, EnabledChanged)
}

func (o *Output) IsPrimary() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.primary
}

func (o *Output) SetPrimary(primary bool) {
	setField(o, &o.primary, primary, PrimaryChanged)
}

func (o *Output) CurrentModeID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentModeID
}

func (o *Output) SetCurrentModeID(id string) {
	setField(o, &o.currentModeID, id, CurrentModeChanged)
}

// CurrentMode returns the mode keyed by the current mode id, or nil
func (o *Output) CurrentMode() *Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.modes[o.currentModeID]
}

// Mode looks a mode up by id
func (o *Output) Mode(id string) *Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.modes[id]
}

// Modes returns the mode set. The map is a copy; the modes are shared.
func (o *Output) Modes() map[string]*Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*Mode, len(o.modes))
	for id, m := range o.modes {
		out[id] = m
	}
	return out
}

// SortedModes returns the modes ordered by id
func (o *Output) SortedModes() []*Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Mode, 0, len(o.modes))
	for _, id := range sortedModeIDs(o.modes) {
		out = append(out, o.modes[id])
	}
	return out
}

// SetModes replaces the mode set. A structurally equal set is a no-op.
func (o *Output) SetModes(modes []*Mode) {
	next := make(map[string]*Mode, len(modes))
	for _, m := range modes {
		if m != nil {
			next[m.ID()] = m
		}
	}
	o.mu.Lock()
	if modesEqual(o.modes, next) {
		o.mu.Unlock()
		return
	}
	o.modes = next
	o.preferredMode = ""
	o.mu.Unlock()
	o.sig.notify(ModesChanged)
}

// AddMode inserts or replaces one mode
func (o *Output) AddMode(m *Mode) {
	if m == nil {
		return
	}
	o.mu.Lock()
	if existing, ok := o.modes[m.ID()]; ok && existing.Equal(m) {
		o.mu.Unlock()
		return
	}
	o.modes[m.ID()] = m
	o.preferredMode = ""
	o.mu.Unlock()
	o.sig.notify(ModesChanged)
}

// Clones returns the ids of the outputs mirroring this one
func (o *Output) Clones() []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.clones)
}

func (o *Output) SetClones(ids []int) {
	next := slices.Clone(ids)
	slices.Sort(next)
	next = slices.Compact(next)
	o.mu.Lock()
	if slices.Equal(o.clones, next) {
		o.mu.Unlock()
		return
	}
	o.clones = next
	o.mu.Unlock()
	o.sig.notify(ClonesChanged)
}

// PreferredModes returns the backend-reported preferred mode ids
func (o *Output) PreferredModes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.preferredModes)
}

func (o *Output) SetPreferredModes(ids []string) {
	next := slices.Clone(ids)
	o.mu.Lock()
	if slices.Equal(o.preferredModes, next) {
		o.mu.Unlock()
		return
	}
	o.preferredModes = next
	o.preferredMode = ""
	o.mu.Unlock()
	o.sig.notify(PreferredModesChanged)
}

// SetPreferredModeID pins the preferred mode. It is cleared again whenever the
// mode set or the preferred list changes.
func (o *Output) SetPreferredModeID(id string) {
	o.mu.Lock()
	o.preferredMode = id
	o.mu.Unlock()
}

// PreferredModeID returns the pinned preferred mode if any, else the biggest
// mode (area, then refresh rate) among the preferred list, or among all modes
// when the list is empty.
func (o *Output) PreferredModeID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.preferredMode != "" {
		return o.preferredMode
	}
	if len(o.preferredModes) == 0 {
		return biggestMode(o.modes, sortedModeIDs(o.modes))
	}
	return biggestMode(o.modes, o.preferredModes)
}

// PreferredMode returns the mode for PreferredModeID, or nil
func (o *Output) PreferredMode() *Mode {
	return o.Mode(o.PreferredModeID())
}

// Edid returns the output's EDID, possibly nil
func (o *Output) Edid() *Edid {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.edid
}

// SetEdid replaces the EDID. It is not observable and fires nothing.
func (o *Output) SetEdid(raw []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(raw) == 0 {
		o.edid = nil
		return
	}
	o.edid = NewEdid(raw)
}

// Geometry is pos plus the current mode size (or the explicit size when no
// mode is current), transposed for Left/Right rotations.
func (o *Output) Geometry() Rect {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.geometryLocked()
}

func (o *Output) geometryLocked() Rect {
	size := o.size
	if m, ok := o.modes[o.currentModeID]; ok {
		size = m.Size()
	}
	if !o.rotation.IsHorizontal() {
		size = size.Transposed()
	}
	return Rect{X: o.pos.X, Y: o.pos.Y, Width: size.Width, Height: size.Height}
}

// Clone returns a deep copy including modes and EDID, without subscribers
func (o *Output) Clone() *Output {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c := NewOutput(o.id)
	c.name = o.name
	c.typ = o.typ
	c.icon = o.icon
	c.modes = cloneModes(o.modes)
	c.clones = slices.Clone(o.clones)
	c.currentModeID = o.currentModeID
	c.preferredModes = slices.Clone(o.preferredModes)
	c.preferredMode = o.preferredMode
	c.sizeMm = o.sizeMm
	c.pos = o.pos
	c.size = o.size
	c.rotation = o.rotation
	c.scale = o.scale
	c.connected = o.connected
	c.enabled = o.enabled
	c.primary = o.primary
	c.edid = o.edid.Clone()
	return c
}

// Apply reconciles o with other field by field. Only fields whose value
// differs are written and signalled, and all signals are delivered after every
// field is updated. The EDID and a pinned preferred mode are taken over when
// other carries one.
func (o *Output) Apply(other *Output) {
	if other == nil || other == o {
		return
	}
	src := other.Clone()

	o.mu.Lock()
	var changed OutputField
	if o.name != src.name {
		o.name = src.name
		changed |= NameChanged
	}
	if o.typ != src.typ {
		o.typ = src.typ
		changed |= TypeChanged
	}
	if o.icon != src.icon {
		o.icon = src.icon
		changed |= IconChanged
	}
	if o.pos != src.pos {
		o.pos = src.pos
		changed |= PosChanged
	}
	if o.size != src.size {
		o.size = src.size
		changed |= SizeChanged
	}
	if o.rotation != src.rotation {
		o.rotation = src.rotation
		changed |= RotationChanged
	}
	if o.scale != src.scale {
		o.scale = src.scale
		changed |= ScaleChanged
	}
	if o.sizeMm != src.sizeMm {
		o.sizeMm = src.sizeMm
		changed |= SizeMmChanged
	}
	if o.currentModeID != src.currentModeID {
		o.currentModeID = src.currentModeID
		changed |= CurrentModeChanged
	}
	if !slices.Equal(o.preferredModes, src.preferredModes) {
		o.preferredModes = src.preferredModes
		o.preferredMode = ""
		changed |= PreferredModesChanged
	}
	if o.connected != src.connected {
		o.connected = src.connected
		changed |= ConnectedChanged
	}
	if o.enabled != src.enabled {
		o.enabled = src.enabled
		changed |= EnabledChanged
	}
	if o.primary != src.primary {
		o.primary = src.primary
		changed |= PrimaryChanged
	}
	if !slices.Equal(o.clones, src.clones) {
		o.clones = src.clones
		changed |= ClonesChanged
	}
	if !modesEqual(o.modes, src.modes) {
		o.modes = src.modes
		o.preferredMode = ""
		changed |= ModesChanged
	}
	if src.preferredMode != "" {
		o.preferredMode = src.preferredMode
	}
	if src.edid != nil {
		o.edid = src.edid
	}
	o.mu.Unlock()

	o.sig.notify(changed)
}

func (o *Output) String() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return fmt.Sprintf("Output(%d %s connected=%t enabled=%t primary=%t geometry=%s mode=%q)",
		o.id, o.name, o.connected, o.enabled, o.primary, o.geometryLocked(), o.currentModeID)
}

func setField[T comparable](o *Output, field *T, value T, which OutputField) {
	o.mu.Lock()
	if *field == value {
		o.mu.Unlock()
		return
	}
	*field = value
	o.mu.Unlock()
	o.sig.notify(which)
}
