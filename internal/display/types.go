package display

import (
	"fmt"
	"strings"
)

// OutputType is the connector kind of an Output
type OutputType int

const (
	TypeUnknown OutputType = iota
	TypeVGA
	TypeDVI
	TypeDVII
	TypeDVIA
	TypeDVID
	TypeHDMI
	TypePanel
	TypeTV
	TypeTVComposite
	TypeTVSVideo
	TypeTVComponent
	TypeTVSCART
	TypeTVC4
	TypeDisplayPort
)

var outputTypeNames = map[OutputType]string{
	TypeUnknown:     "Unknown",
	TypeVGA:         "VGA",
	TypeDVI:         "DVI",
	TypeDVII:        "DVI-I",
	TypeDVIA:        "DVI-A",
	TypeDVID:        "DVI-D",
	TypeHDMI:        "HDMI",
	TypePanel:       "Panel",
	TypeTV:          "TV",
	TypeTVComposite: "TV-Composite",
	TypeTVSVideo:    "TV-SVideo",
	TypeTVComponent: "TV-Component",
	TypeTVSCART:     "TV-SCART",
	TypeTVC4:        "TV-C4",
	TypeDisplayPort: "DisplayPort",
}

func (t OutputType) String() string {
	if name, ok := outputTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OutputType(%d)", int(t))
}

// ParseOutputType accepts the names produced by String, case-insensitively
func ParseOutputType(name string) (OutputType, error) {
	for t, n := range outputTypeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown output type %q", name)
}

// GuessOutputType derives the connector kind from a connector name such as
// "eDP-1", "HDMI-A-2" or "DP-3"
func GuessOutputType(connector string) OutputType {
	name := strings.ToLower(connector)
	switch {
	case strings.HasPrefix(name, "edp"), strings.HasPrefix(name, "lvds"), strings.HasPrefix(name, "dsi"), strings.Contains(name, "panel"):
		return TypePanel
	case strings.HasPrefix(name, "hdmi"):
		return TypeHDMI
	case strings.HasPrefix(name, "dp"), strings.HasPrefix(name, "displayport"):
		return TypeDisplayPort
	case strings.HasPrefix(name, "dvi-i"):
		return TypeDVII
	case strings.HasPrefix(name, "dvi-a"):
		return TypeDVIA
	case strings.HasPrefix(name, "dvi-d"):
		return TypeDVID
	case strings.HasPrefix(name, "dvi"):
		return TypeDVI
	case strings.HasPrefix(name, "vga"):
		return TypeVGA
	case strings.HasPrefix(name, "tv"), strings.HasPrefix(name, "s-video"):
		return TypeTV
	default:
		return TypeUnknown
	}
}

// Rotation uses the RandR bit values
type Rotation int

const (
	RotationNone     Rotation = 1
	RotationLeft     Rotation = 2
	RotationInverted Rotation = 4
	RotationRight    Rotation = 8
)

func (r Rotation) String() string {
	switch r {
	case RotationNone:
		return "none"
	case RotationLeft:
		return "left"
	case RotationInverted:
		return "inverted"
	case RotationRight:
		return "right"
	default:
		return fmt.Sprintf("Rotation(%d)", int(r))
	}
}

// IsHorizontal is false for Left and Right, where width and height swap
func (r Rotation) IsHorizontal() bool {
	return r != RotationLeft && r != RotationRight
}

// Valid reports whether r is one of the four known rotations
func (r Rotation) Valid() bool {
	switch r {
	case RotationNone, RotationLeft, RotationInverted, RotationRight:
		return true
	}
	return false
}

// Features advertised by the backend that produced a Config
type Features uint32

const (
	FeaturePrimaryDisplay Features = 1 << iota
	FeatureWritable
	FeaturePerOutputScaling
)

// Has reports whether every bit of f2 is set in f
func (f Features) Has(f2 Features) bool {
	return f&f2 == f2
}
