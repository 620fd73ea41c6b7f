package display

import (
	"errors"
	"fmt"
)

// ValidityFlags tighten Validate
type ValidityFlags uint32

const (
	ValidityNone ValidityFlags = 0
	// RequireAtLeastOneEnabledOutput rejects configs that would turn every output off
	RequireAtLeastOneEnabledOutput ValidityFlags = 1 << 0
)

var (
	ErrNoLiveConfig       = errors.New("no live configuration available")
	ErrNoCandidate        = errors.New("no candidate configuration")
	ErrUnknownOutput      = errors.New("output does not exist in the live configuration")
	ErrOutputDisconnected = errors.New("output is not connected")
	ErrNoCurrentMode      = errors.New("output has no current mode")
	ErrUnknownMode        = errors.New("mode does not exist on the live output")
	ErrTooManyOutputs     = errors.New("too many enabled outputs")
	ErrExceedsMaxSize     = errors.New("layout exceeds the maximum screen size")
	ErrNoEnabledOutput    = errors.New("no output is enabled")
)

// CanBeApplied reports whether candidate passes Validate
func CanBeApplied(live, candidate *Config, flags ValidityFlags) bool {
	return Validate(live, candidate, flags) == nil
}

// Validate checks candidate against the live config and the candidate's own
// screen limits. It has no side effects and reports the first violation found.
//
// The layout extent is a running accumulation that starts at the origin: the
// left/top edges only ever move towards negative coordinates and the
// width/height are compared against the bottom-right corners. A layout lying
// entirely at negative coordinates therefore measures as if it reached (0,0).
func Validate(live, candidate *Config, flags ValidityFlags) error {
	if candidate == nil {
		return ErrNoCandidate
	}
	if live == nil {
		return ErrNoLiveConfig
	}

	var (
		bounds  = newOriginBounds()
		enabled = 0
	)
	for _, output := range candidate.Outputs() {
		if !output.IsEnabled() {
			continue
		}
		enabled++

		current := live.Output(output.ID())
		if current == nil {
			return fmt.Errorf("output %d: %w", output.ID(), ErrUnknownOutput)
		}
		if !current.IsConnected() {
			return fmt.Errorf("output %d (%s): %w", output.ID(), current.Name(), ErrOutputDisconnected)
		}
		modeID := output.CurrentModeID()
		if modeID == "" {
			return fmt.Errorf("output %d (%s): %w", output.ID(), current.Name(), ErrNoCurrentMode)
		}
		liveMode := current.Mode(modeID)
		if liveMode == nil {
			return fmt.Errorf("output %d (%s) mode %q: %w", output.ID(), current.Name(), modeID, ErrUnknownMode)
		}

		size := liveMode.Size()
		if own := output.Mode(modeID); own != nil {
			size = own.Size()
		}
		if !output.IsHorizontal() {
			size = size.Transposed()
		}
		bounds.extend(output.Pos(), size)
	}

	if flags&RequireAtLeastOneEnabledOutput != 0 && enabled == 0 {
		return ErrNoEnabledOutput
	}

	screen := candidate.Screen()
	if screen == nil {
		screen = live.Screen()
	}
	if screen == nil {
		return fmt.Errorf("%w: no screen limits", ErrNoLiveConfig)
	}
	if limit := screen.MaxActiveOutputsCount(); enabled > limit {
		return fmt.Errorf("%d enabled, at most %d: %w", enabled, limit, ErrTooManyOutputs)
	}
	maxSize := screen.MaxSize()
	if w, h := bounds.width(), bounds.height(); w > maxSize.Width || h > maxSize.Height {
		return fmt.Errorf("%dx%d over %s: %w", w, h, maxSize, ErrExceedsMaxSize)
	}
	return nil
}

// originBounds accumulates a layout extent with inclusive edge coordinates,
// starting as the empty rectangle at the origin.
type originBounds struct {
	x1, y1, x2, y2 int
}

func newOriginBounds() originBounds {
	return originBounds{x1: 0, y1: 0, x2: -1, y2: -1}
}

func (b *originBounds) width() int {
	return b.x2 - b.x1 + 1
}

func (b *originBounds) height() int {
	return b.y2 - b.y1 + 1
}

func (b *originBounds) extend(pos Point, size Size) {
	if pos.X < b.x1 {
		b.x1 = pos.X
	}
	if pos.Y < b.y1 {
		b.y1 = pos.Y
	}
	right, bottom := pos.X+size.Width, pos.Y+size.Height
	if right > b.width() {
		b.x2 = b.x1 + right - 1
	}
	if bottom > b.height() {
		b.y2 = b.y1 + bottom - 1
	}
}
