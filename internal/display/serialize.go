package display

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
)

// The map form is the generic structured representation used on the wire and
// in fixture files. Values are restricted to bool, int, float64, string,
// []any and map[string]any so they convert losslessly to protobuf Struct
// values. Decoding is strict: an unknown key fails the whole object.

// ConfigToMap serializes cfg
func ConfigToMap(cfg *Config) map[string]any {
	if cfg == nil {
		return nil
	}
	outputs := make([]any, 0)
	for _, o := range cfg.Outputs() {
		outputs = append(outputs, OutputToMap(o))
	}
	m := map[string]any{
		"valid":    cfg.IsValid(),
		"features": int(cfg.Supported()),
		"outputs":  outputs,
	}
	if s := cfg.Screen(); s != nil {
		m["screen"] = ScreenToMap(s)
	}
	return m
}

// ConfigFromMap builds a Config. It returns nil and an error on any malformed
// or unknown field, never a partially populated config.
func ConfigFromMap(m map[string]any) (*Config, error) {
	if m == nil {
		return nil, fmt.Errorf("config: no data")
	}
	cfg := NewConfig()
	// a config without a screen section leaves the limits to the live one
	cfg.screen = nil
	var outputs []*Output
	for key, value := range m {
		var err error
		switch key {
		case "valid":
			var v bool
			v, err = asBool(value)
			cfg.valid = v
		case "features":
			var v int
			v, err = asInt(value)
			cfg.supported = Features(v)
		case "screen":
			var sm map[string]any
			if sm, err = asMap(value); err == nil {
				cfg.screen, err = ScreenFromMap(sm)
			}
		case "outputs":
			var list []any
			if list, err = asList(value); err == nil {
				for i, item := range list {
					om, ierr := asMap(item)
					if ierr != nil {
						err = fmt.Errorf("outputs[%d]: %w", i, ierr)
						break
					}
					o, ierr := OutputFromMap(om)
					if ierr != nil {
						err = fmt.Errorf("outputs[%d]: %w", i, ierr)
						break
					}
					outputs = append(outputs, o)
				}
			}
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
	}
	for _, o := range outputs {
		if _, dup := cfg.outputs[o.ID()]; dup {
			return nil, fmt.Errorf("config: duplicate output id %d", o.ID())
		}
		cfg.outputs[o.ID()] = o
	}
	cfg.refreshPrimaryLocked()
	return cfg, nil
}

// OutputToMap serializes o
func OutputToMap(o *Output) map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	modes := make([]any, 0, len(o.modes))
	for _, id := range sortedModeIDs(o.modes) {
		modes = append(modes, ModeToMap(o.modes[id]))
	}
	clones := make([]any, 0, len(o.clones))
	for _, id := range o.clones {
		clones = append(clones, id)
	}
	preferred := make([]any, 0, len(o.preferredModes))
	for _, id := range o.preferredModes {
		preferred = append(preferred, id)
	}
	m := map[string]any{
		"id":             o.id,
		"name":           o.name,
		"type":           int(o.typ),
		"icon":           o.icon,
		"pos":            pointToMap(o.pos),
		"size":           sizeToMap(o.size),
		"rotation":       int(o.rotation),
		"scale":          o.scale,
		"currentModeId":  o.currentModeID,
		"preferredModes": preferred,
		"connected":      o.connected,
		"enabled":        o.enabled,
		"primary":        o.primary,
		"clones":         clones,
		"sizeMM":         sizeToMap(o.sizeMm),
		"modes":          modes,
	}
	if o.edid != nil {
		m["edid"] = base64.StdEncoding.EncodeToString(o.edid.raw)
	}
	return m
}

// OutputFromMap builds an Output; the id key is required and must be positive
func OutputFromMap(m map[string]any) (*Output, error) {
	rawID, ok := m["id"]
	if !ok {
		return nil, fmt.Errorf("output: missing id")
	}
	id, err := asInt(rawID)
	if err != nil {
		return nil, fmt.Errorf("output: id: %w", err)
	}
	if id <= 0 {
		return nil, fmt.Errorf("output: id must be positive, got %d", id)
	}

	o := NewOutput(id)
	for key, value := range m {
		var err error
		switch key {
		case "id":
		case "name":
			o.name, err = asString(value)
		case "type":
			o.typ, err = asOutputType(value)
		case "icon":
			o.icon, err = asString(value)
		case "pos":
			o.pos, err = asPoint(value)
		case "size":
			o.size, err = asSize(value)
		case "sizeMM":
			o.sizeMm, err = asSize(value)
		case "rotation":
			var r int
			if r, err = asInt(value); err == nil {
				o.rotation = Rotation(r)
				if !o.rotation.Valid() {
					err = fmt.Errorf("invalid rotation %d", r)
				}
			}
		case "scale":
			o.scale, err = asFloat(value)
		case "currentModeId":
			o.currentModeID, err = asString(value)
		case "preferredModes":
			o.preferredModes, err = asStrings(value)
		case "connected":
			o.connected, err = asBool(value)
		case "enabled":
			o.enabled, err = asBool(value)
		case "primary":
			o.primary, err = asBool(value)
		case "clones":
			var ids []int
			if ids, err = asInts(value); err == nil {
				sort.Ints(ids)
				o.clones = ids
			}
		case "modes":
			var list []any
			if list, err = asList(value); err == nil {
				for i, item := range list {
					mm, ierr := asMap(item)
					if ierr != nil {
						err = fmt.Errorf("[%d]: %w", i, ierr)
						break
					}
					mode, ierr := ModeFromMap(mm)
					if ierr != nil {
						err = fmt.Errorf("[%d]: %w", i, ierr)
						break
					}
					o.modes[mode.ID()] = mode
				}
			}
		case "edid":
			var s string
			if s, err = asString(value); err == nil && s != "" {
				var raw []byte
				if raw, err = base64.StdEncoding.DecodeString(s); err == nil {
					o.edid = NewEdid(raw)
				}
			}
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return nil, fmt.Errorf("output %d: %s: %w", id, key, err)
		}
	}
	return o, nil
}

// ModeToMap serializes m
func ModeToMap(m *Mode) map[string]any {
	v := m.values()
	return map[string]any{
		"id":          v.id,
		"name":        v.name,
		"size":        sizeToMap(v.size),
		"refreshRate": v.refreshRate,
	}
}

// ModeFromMap builds a Mode; the id key is required
func ModeFromMap(m map[string]any) (*Mode, error) {
	rawID, ok := m["id"]
	if !ok {
		return nil, fmt.Errorf("mode: missing id")
	}
	id, err := asString(rawID)
	if err != nil || id == "" {
		return nil, fmt.Errorf("mode: invalid id %v", rawID)
	}
	mode := NewMode(id)
	for key, value := range m {
		var err error
		switch key {
		case "id":
		case "name":
			mode.name, err = asString(value)
		case "size":
			mode.size, err = asSize(value)
		case "refreshRate":
			mode.refreshRate, err = asFloat(value)
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return nil, fmt.Errorf("mode %s: %s: %w", id, key, err)
		}
	}
	return mode, nil
}

// ScreenToMap serializes s
func ScreenToMap(s *Screen) map[string]any {
	c := s.Clone()
	return map[string]any{
		"id":                    c.id,
		"minSize":               sizeToMap(c.minSize),
		"maxSize":               sizeToMap(c.maxSize),
		"currentSize":           sizeToMap(c.currentSize),
		"maxActiveOutputsCount": c.maxActiveOutputsCount,
	}
}

// ScreenFromMap builds a Screen
func ScreenFromMap(m map[string]any) (*Screen, error) {
	s := NewScreen()
	for key, value := range m {
		var err error
		switch key {
		case "id":
			s.id, err = asInt(value)
		case "minSize":
			s.minSize, err = asSize(value)
		case "maxSize":
			s.maxSize, err = asSize(value)
		case "currentSize":
			s.currentSize, err = asSize(value)
		case "maxActiveOutputsCount":
			s.maxActiveOutputsCount, err = asInt(value)
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return nil, fmt.Errorf("screen: %s: %w", key, err)
		}
	}
	return s, nil
}

func pointToMap(p Point) map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

func sizeToMap(s Size) map[string]any {
	return map[string]any{"width": s.Width, "height": s.Height}
}

func asPoint(v any) (Point, error) {
	m, err := asMap(v)
	if err != nil {
		return Point{}, err
	}
	var p Point
	for key, value := range m {
		switch key {
		case "x":
			p.X, err = asInt(value)
		case "y":
			p.Y, err = asInt(value)
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return Point{}, err
		}
	}
	return p, nil
}

func asSize(v any) (Size, error) {
	m, err := asMap(v)
	if err != nil {
		return Size{}, err
	}
	var s Size
	for key, value := range m {
		switch key {
		case "width":
			s.Width, err = asInt(value)
		case "height":
			s.Height, err = asInt(value)
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return Size{}, err
		}
	}
	return s, nil
}

func asOutputType(v any) (OutputType, error) {
	if s, ok := v.(string); ok {
		return ParseOutputType(s)
	}
	n, err := asInt(v)
	if err != nil {
		return TypeUnknown, err
	}
	return OutputType(n), nil
}

func asMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			out[ks] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", v)
	}
}

func asList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", v)
	}
	return l, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStrings(v any) ([]string, error) {
	list, err := asList(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, err := asString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// asInt accepts any integral number; protobuf Struct values arrive as float64
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return asInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asInts(v any) ([]int, error) {
	list, err := asList(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		n, err := asInt(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
