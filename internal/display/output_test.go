package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fieldRecorder struct {
	fields []OutputField
}

func (r *fieldRecorder) record(f OutputField) {
	r.fields = append(r.fields, f)
}

func (r *fieldRecorder) count(f OutputField) int {
	n := 0
	for _, got := range r.fields {
		if got == f {
			n++
		}
	}
	return n
}

func TestOutputSettersSignalOnlyOnChange(t *testing.T) {
	o := newTestOutput(1, "eDP-1", Point{}, Size{Width: 1280, Height: 800}, 60)
	rec := &fieldRecorder{}
	o.Subscribe(rec.record)

	o.SetName("eDP-1")
	o.SetPos(Point{})
	o.SetEnabled(true)
	assert.Empty(t, rec.fields)

	o.SetEnabled(false)
	assert.Equal(t, []OutputField{EnabledChanged, OutputChanged}, rec.fields)
}

func TestOutputSetModesStructuralCompare(t *testing.T) {
	o := NewOutput(1)
	rec := &fieldRecorder{}
	o.Subscribe(rec.record)

	build := func() []*Mode {
		return []*Mode{
			NewModeWith("a", "1920x1080", Size{Width: 1920, Height: 1080}, 60),
			NewModeWith("b", "1280x720", Size{Width: 1280, Height: 720}, 60),
		}
	}
	for range 3 {
		o.SetModes(build())
	}
	assert.Equal(t, 1, rec.count(ModesChanged))

	changed := build()
	changed[1].SetRefreshRate(50)
	o.SetModes(changed)
	assert.Equal(t, 2, rec.count(ModesChanged))
}

func TestOutputApply(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Output)
		want   []OutputField
	}{
		{
			name:   "identical",
			mutate: func(o *Output) {},
			want:   nil,
		},
		{
			name:   "position",
			mutate: func(o *Output) { o.SetPos(Point{X: 10, Y: 20}) },
			want:   []OutputField{PosChanged, OutputChanged},
		},
		{
			name:   "rotation",
			mutate: func(o *Output) { o.SetRotation(RotationLeft) },
			want:   []OutputField{RotationChanged, OutputChanged},
		},
		{
			name:   "current mode",
			mutate: func(o *Output) { o.SetCurrentModeID("other") },
			want:   []OutputField{CurrentModeChanged, OutputChanged},
		},
		{
			name: "several fields coalesce",
			mutate: func(o *Output) {
				o.SetName("renamed")
				o.SetPrimary(true)
				o.SetClones([]int{4})
			},
			want: []OutputField{NameChanged, ClonesChanged, PrimaryChanged, OutputChanged},
		},
		{
			name:   "mode content",
			mutate: func(o *Output) { o.CurrentMode().SetSize(Size{Width: 800, Height: 600}) },
			want:   []OutputField{ModesChanged, OutputChanged},
		},
		{
			name:   "edid only",
			mutate: func(o *Output) { o.SetEdid(make([]byte, 128)) },
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOutput(1, "eDP-1", Point{}, Size{Width: 1280, Height: 800}, 60)
			other := o.Clone()
			tt.mutate(other)

			rec := &fieldRecorder{}
			o.Subscribe(rec.record)
			o.Apply(other)
			assert.Equal(t, tt.want, rec.fields)

			o.Apply(other)
			assert.Equal(t, tt.want, rec.fields, "re-applying must not signal")
		})
	}
}

func TestOutputApplyReplacesEdid(t *testing.T) {
	o := NewOutput(1)
	other := NewOutput(1)
	other.SetEdid([]byte{1, 2, 3})
	o.Apply(other)
	assert.Equal(t, []byte{1, 2, 3}, o.Edid().Raw())

	// An output without EDID keeps the existing one
	o.Apply(NewOutput(1))
	assert.Equal(t, []byte{1, 2, 3}, o.Edid().Raw())
}

func TestOutputApplyCarriesPinnedPreferredMode(t *testing.T) {
	withModes := func() *Output {
		o := NewOutput(1)
		o.SetModes([]*Mode{
			NewModeWith("big", "", Size{Width: 1920, Height: 1080}, 60),
			NewModeWith("small", "", Size{Width: 1280, Height: 720}, 60),
		})
		return o
	}

	o := withModes()
	require.Equal(t, "big", o.PreferredModeID())

	other := withModes()
	other.SetPreferredModeID("small")
	o.Apply(other)
	assert.Equal(t, "small", o.PreferredModeID())

	// Same modes without a pin leave it alone
	o.Apply(withModes())
	assert.Equal(t, "small", o.PreferredModeID())

	// A new mode set clears it
	changed := NewOutput(1)
	changed.SetModes([]*Mode{NewModeWith("only", "", Size{Width: 800, Height: 600}, 60)})
	o.Apply(changed)
	assert.Equal(t, "only", o.PreferredModeID())
}

func TestOutputUpdateBatches(t *testing.T) {
	o := NewOutput(1)
	rec := &fieldRecorder{}
	o.Subscribe(rec.record)

	o.Update(func(o *Output) {
		o.SetPos(Point{X: 1, Y: 1})
		o.SetName("DP-2")
		o.SetPos(Point{X: 2, Y: 2})
		assert.Empty(t, rec.fields)
	})
	assert.Equal(t, []OutputField{NameChanged, PosChanged, OutputChanged}, rec.fields)
}

func TestOutputSubscribeCancel(t *testing.T) {
	o := NewOutput(1)
	rec := &fieldRecorder{}
	cancel := o.Subscribe(rec.record)
	cancel()
	cancel()
	o.SetName("x")
	assert.Empty(t, rec.fields)
}

func TestPreferredModeID(t *testing.T) {
	tests := []struct {
		name      string
		modes     []*Mode
		preferred []string
		pinned    string
		want      string
	}{
		{
			name: "larger area wins over refresh rate",
			modes: []*Mode{
				NewModeWith("big", "", Size{Width: 1920, Height: 1080}, 60),
				NewModeWith("small", "", Size{Width: 1280, Height: 720}, 144),
			},
			want: "big",
		},
		{
			name: "equal area goes to higher refresh rate",
			modes: []*Mode{
				NewModeWith("a", "", Size{Width: 1920, Height: 1080}, 75),
				NewModeWith("b", "", Size{Width: 1920, Height: 1080}, 60),
			},
			want: "a",
		},
		{
			name: "preferred list restricts candidates",
			modes: []*Mode{
				NewModeWith("big", "", Size{Width: 3840, Height: 2160}, 60),
				NewModeWith("native", "", Size{Width: 1920, Height: 1080}, 60),
				NewModeWith("native75", "", Size{Width: 1920, Height: 1080}, 75),
			},
			preferred: []string{"native", "native75"},
			want:      "native75",
		},
		{
			name: "unknown preferred ids are skipped",
			modes: []*Mode{
				NewModeWith("native", "", Size{Width: 1920, Height: 1080}, 60),
			},
			preferred: []string{"gone", "native"},
			want:      "native",
		},
		{
			name: "pinned mode wins",
			modes: []*Mode{
				NewModeWith("big", "", Size{Width: 1920, Height: 1080}, 60),
				NewModeWith("small", "", Size{Width: 1280, Height: 720}, 60),
			},
			pinned: "small",
			want:   "small",
		},
		{
			name: "no modes",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOutput(1)
			o.SetModes(tt.modes)
			o.SetPreferredModes(tt.preferred)
			if tt.pinned != "" {
				o.SetPreferredModeID(tt.pinned)
			}
			assert.Equal(t, tt.want, o.PreferredModeID())
		})
	}
}

func TestPinnedPreferredModeResetByModeChange(t *testing.T) {
	o := NewOutput(1)
	o.SetModes([]*Mode{NewModeWith("big", "", Size{Width: 1920, Height: 1080}, 60)})
	o.SetPreferredModeID("big")
	o.AddMode(NewModeWith("huge", "", Size{Width: 3840, Height: 2160}, 60))
	assert.Equal(t, "huge", o.PreferredModeID())
}

func TestOutputGeometry(t *testing.T) {
	o := newTestOutput(1, "DP-1", Point{X: 100, Y: 50}, Size{Width: 1920, Height: 1080}, 60)
	assert.Equal(t, Rect{X: 100, Y: 50, Width: 1920, Height: 1080}, o.Geometry())

	o.SetRotation(RotationRight)
	assert.False(t, o.IsHorizontal())
	assert.Equal(t, Rect{X: 100, Y: 50, Width: 1080, Height: 1920}, o.Geometry())

	o.SetRotation(RotationInverted)
	assert.Equal(t, Rect{X: 100, Y: 50, Width: 1920, Height: 1080}, o.Geometry())

	o.SetCurrentModeID("")
	o.SetSize(Size{Width: 640, Height: 480})
	assert.Equal(t, Rect{X: 100, Y: 50, Width: 640, Height: 480}, o.Geometry())
}

func TestModeSignals(t *testing.T) {
	m := NewModeWith("1", "1920x1080", Size{Width: 1920, Height: 1080}, 60)
	var got []ModeField
	m.Subscribe(func(f ModeField) { got = append(got, f) })

	m.SetRefreshRate(60)
	m.SetSize(Size{Width: 1920, Height: 1200})
	assert.Equal(t, []ModeField{ModeSizeChanged, ModeChanged}, got)

	c := m.Clone()
	assert.True(t, m.Equal(c))
	c.SetName("other")
	assert.False(t, m.Equal(c))
	assert.Equal(t, "1920x1080", m.Name())
}

func TestScreenApply(t *testing.T) {
	s := NewScreen()
	var got []ScreenField
	s.Subscribe(func(f ScreenField) { got = append(got, f) })

	other := s.Clone()
	other.SetCurrentSize(Size{Width: 3200, Height: 1080})
	other.SetMaxActiveOutputsCount(4)
	s.Apply(other)
	s.Apply(other)

	assert.Equal(t, []ScreenField{ScreenCurrentSizeChanged, ScreenMaxActiveOutputsChanged, ScreenChanged}, got)
	assert.Equal(t, 4, s.MaxActiveOutputsCount())
}
