package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(live, candidate *Config)
		flags   ValidityFlags
		wantErr error
	}{
		{
			name:   "unchanged config",
			mutate: func(live, candidate *Config) {},
		},
		{
			name: "output missing from live config",
			mutate: func(live, candidate *Config) {
				candidate.AddOutput(newTestOutput(3, "DP-1", Point{X: 3200}, Size{Width: 800, Height: 600}, 60))
			},
			wantErr: ErrUnknownOutput,
		},
		{
			name: "disabled unknown output is ignored",
			mutate: func(live, candidate *Config) {
				o := newTestOutput(3, "DP-1", Point{X: 3200}, Size{Width: 800, Height: 600}, 60)
				o.enabled = false
				candidate.AddOutput(o)
			},
		},
		{
			name: "live output disconnected",
			mutate: func(live, candidate *Config) {
				live.Output(2).SetConnected(false)
			},
			wantErr: ErrOutputDisconnected,
		},
		{
			name: "empty current mode",
			mutate: func(live, candidate *Config) {
				candidate.Output(1).SetCurrentModeID("")
			},
			wantErr: ErrNoCurrentMode,
		},
		{
			name: "mode missing on live output",
			mutate: func(live, candidate *Config) {
				o := candidate.Output(1)
				o.AddMode(NewModeWith("new", "", Size{Width: 640, Height: 480}, 60))
				o.SetCurrentModeID("new")
			},
			wantErr: ErrUnknownMode,
		},
		{
			name: "too many enabled outputs",
			mutate: func(live, candidate *Config) {
				candidate.Screen().SetMaxActiveOutputsCount(1)
			},
			wantErr: ErrTooManyOutputs,
		},
		{
			name: "layout wider than max size",
			mutate: func(live, candidate *Config) {
				candidate.Output(2).SetPos(Point{X: 7000, Y: 0})
			},
			wantErr: ErrExceedsMaxSize,
		},
		{
			name: "rotated output taller than max size",
			mutate: func(live, candidate *Config) {
				candidate.Screen().SetMaxSize(Size{Width: 8192, Height: 1200})
				candidate.Output(2).SetRotation(RotationLeft)
			},
			wantErr: ErrExceedsMaxSize,
		},
		{
			name: "no enabled output allowed by default",
			mutate: func(live, candidate *Config) {
				candidate.Output(1).SetEnabled(false)
				candidate.Output(2).SetEnabled(false)
			},
		},
		{
			name: "no enabled output rejected with flag",
			mutate: func(live, candidate *Config) {
				candidate.Output(1).SetEnabled(false)
				candidate.Output(2).SetEnabled(false)
			},
			flags:   RequireAtLeastOneEnabledOutput,
			wantErr: ErrNoEnabledOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := twoOutputConfig()
			candidate := live.Clone()
			tt.mutate(live, candidate)

			err := Validate(live, candidate, tt.flags)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.True(t, CanBeApplied(live, candidate, tt.flags))
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, CanBeApplied(live, candidate, tt.flags))
		})
	}
}

func TestValidateWithoutLiveConfig(t *testing.T) {
	assert.ErrorIs(t, Validate(nil, twoOutputConfig(), ValidityNone), ErrNoLiveConfig)
	assert.ErrorIs(t, Validate(twoOutputConfig(), nil, ValidityNone), ErrNoCandidate)
}

func TestValidateFixingViolationsOneByOne(t *testing.T) {
	live := twoOutputConfig()
	candidate := live.Clone()
	candidate.Output(1).SetCurrentModeID("bogus")
	candidate.Screen().SetMaxActiveOutputsCount(1)
	candidate.Output(2).SetPos(Point{X: 7000, Y: 0})

	fixes := []struct {
		wantErr error
		fix     func()
	}{
		{ErrUnknownMode, func() { candidate.Output(1).SetCurrentModeID(live.Output(1).CurrentModeID()) }},
		{ErrTooManyOutputs, func() { candidate.Screen().SetMaxActiveOutputsCount(2) }},
		{ErrExceedsMaxSize, func() { candidate.Output(2).SetPos(Point{X: 1280, Y: 0}) }},
	}
	for _, step := range fixes {
		require.ErrorIs(t, Validate(live, candidate, ValidityNone), step.wantErr)
		require.False(t, CanBeApplied(live, candidate, ValidityNone))
		step.fix()
	}
	assert.True(t, CanBeApplied(live, candidate, ValidityNone))
}

func TestValidateNegativeLayoutMeasuresToOrigin(t *testing.T) {
	live := twoOutputConfig()
	candidate := live.Clone()
	candidate.Screen().SetMaxSize(Size{Width: 4096, Height: 4096})
	candidate.Output(1).SetPos(Point{X: -5000, Y: 0})
	candidate.Output(2).SetPos(Point{X: -3720, Y: 0})

	// The real extent is 3200 pixels wide, but the accumulated extent runs
	// from -5000 up to the origin.
	require.Equal(t, 3200, BoundingRect(candidate).Width)
	assert.ErrorIs(t, Validate(live, candidate, ValidityNone), ErrExceedsMaxSize)

	NormalizePositions(candidate)
	assert.NoError(t, Validate(live, candidate, ValidityNone))
}

func TestOriginBoundsExtend(t *testing.T) {
	b := newOriginBounds()
	assert.Equal(t, 0, b.width())

	b.extend(Point{X: 0, Y: 0}, Size{Width: 1280, Height: 800})
	b.extend(Point{X: 1280, Y: 0}, Size{Width: 1920, Height: 1080})
	assert.Equal(t, 3200, b.width())
	assert.Equal(t, 1080, b.height())
}

func TestValidateScreenlessCandidateUsesLiveLimits(t *testing.T) {
	live := twoOutputConfig()
	m := ConfigToMap(live.Clone())
	delete(m, "screen")

	candidate, err := ConfigFromMap(m)
	require.NoError(t, err)
	require.Nil(t, candidate.Screen())
	assert.NoError(t, Validate(live, candidate, ValidityNone))

	live.Screen().SetMaxActiveOutputsCount(1)
	assert.ErrorIs(t, Validate(live, candidate, ValidityNone), ErrTooManyOutputs)
}
