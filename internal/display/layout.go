package display

// BoundingRect returns the union of the enabled outputs' geometries
func BoundingRect(cfg *Config) Rect {
	var r Rect
	if cfg == nil {
		return r
	}
	for _, o := range cfg.EnabledOutputs() {
		r = r.United(o.Geometry())
	}
	return r
}

// NormalizePositions shifts every enabled output so that the top-left corner
// of the layout lands on the origin. Relative offsets are preserved and
// disabled outputs are left alone. It returns the offset that was applied.
func NormalizePositions(cfg *Config) Point {
	if cfg == nil {
		return Point{}
	}
	enabled := cfg.EnabledOutputs()
	if len(enabled) == 0 {
		return Point{}
	}

	minX, minY := enabled[0].Pos().X, enabled[0].Pos().Y
	for _, o := range enabled[1:] {
		p := o.Pos()
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
	}

	offset := Point{X: -minX, Y: -minY}
	if offset == (Point{}) {
		return offset
	}
	for _, o := range enabled {
		p := o.Pos()
		o.SetPos(Point{X: p.X + offset.X, Y: p.Y + offset.Y})
	}
	return offset
}

// DeterminePrimaryOutput flags one enabled output as primary for backends that
// cannot report it: the one at (0,0), falling back to the lowest id.
func DeterminePrimaryOutput(cfg *Config) {
	if cfg == nil {
		return
	}
	enabled := cfg.EnabledOutputs()
	if len(enabled) == 0 {
		cfg.SetPrimaryOutput(0)
		return
	}

	primary := enabled[0].ID()
	for _, o := range enabled {
		if o.Pos() == (Point{}) {
			primary = o.ID()
			break
		}
	}
	cfg.SetPrimaryOutput(primary)
}

// EnsurePrimary runs DeterminePrimaryOutput only when no enabled output is
// already flagged primary.
func EnsurePrimary(cfg *Config) {
	if cfg == nil {
		return
	}
	for _, o := range cfg.EnabledOutputs() {
		if o.IsPrimary() {
			cfg.SetPrimaryOutput(o.ID())
			return
		}
	}
	DeterminePrimaryOutput(cfg)
}

// DetectClones groups enabled outputs that show the same area (same position
// and same current mode size). Within a group the lowest id lists the others
// as its clones and the others list none.
func DetectClones(cfg *Config) {
	if cfg == nil {
		return
	}
	enabled := cfg.EnabledOutputs()
	groups := make(map[Rect][]int)
	var order []Rect
	for _, o := range enabled {
		g := o.Geometry()
		if g.IsEmpty() {
			continue
		}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], o.ID())
	}

	clones := make(map[int][]int, len(enabled))
	for _, g := range order {
		ids := groups[g]
		if len(ids) > 1 {
			clones[ids[0]] = ids[1:]
		}
	}
	for _, o := range enabled {
		o.SetClones(clones[o.ID()])
	}
}
