package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/bnema/dispconf/internal/display"
)

// OutputColumns are the headers of the output table
var OutputColumns = []string{"", "ID", "Name", "Type", "Mode", "Position", "Rotation", "Scale", "Clones"}

// FormatMode renders a mode as WIDTHxHEIGHT@RATE
func FormatMode(m *display.Mode) string {
	if m == nil {
		return "-"
	}
	return fmt.Sprintf("%s@%.2f", m.Size(), m.RefreshRate())
}

func formatClones(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func plainState(o *display.Output) string {
	switch {
	case !o.IsConnected():
		return IndicatorDisconnected
	case o.IsEnabled():
		return IndicatorEnabled
	default:
		return IndicatorDisabled
	}
}

// OutputRows returns one unstyled row per output, ordered by id
func OutputRows(cfg *display.Config) [][]string {
	outputs := cfg.Outputs()
	rows := make([][]string, 0, len(outputs))
	for _, o := range outputs {
		name := o.Name()
		if o.IsPrimary() {
			name += IndicatorPrimary
		}
		rows = append(rows, []string{
			plainState(o),
			strconv.Itoa(o.ID()),
			name,
			o.Type().String(),
			FormatMode(o.CurrentMode()),
			o.Pos().String(),
			o.Rotation().String(),
			strconv.FormatFloat(o.Scale(), 'g', 3, 64),
			formatClones(o.Clones()),
		})
	}
	return rows
}

// ScreenSummary describes the screen limits in one line
func ScreenSummary(cfg *display.Config) string {
	s := cfg.Screen()
	if s == nil {
		return "no screen"
	}
	return fmt.Sprintf("screen %d: %s (min %s, max %s, %d active)",
		s.ID(), s.CurrentSize(), s.MinSize(), s.MaxSize(), s.MaxActiveOutputsCount())
}

// RenderConfig renders cfg as a summary line and an output table. Styled
// output colors the header and the state column.
func RenderConfig(cfg *display.Config, styled bool) string {
	if cfg == nil {
		return "no configuration\n"
	}
	rows := OutputRows(cfg)
	outputs := cfg.Outputs()

	t := table.New().
		Headers(OutputColumns...).
		Rows(rows...)

	if styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return HeaderStyle.Padding(0, 1)
				}
				if col == 0 && row >= 0 && row < len(outputs) {
					o := outputs[row]
					color := ColorDisabled
					switch {
					case !o.IsConnected():
						color = ColorDisconnected
					case o.IsEnabled():
						color = ColorEnabled
					}
					return TableCellStyle.Foreground(color)
				}
				if col == 2 && row >= 0 && row < len(outputs) && outputs[row].IsPrimary() {
					return TableCellStyle.Foreground(ColorPrimaryMark)
				}
				return TableCellStyle.Inherit(TextStyle)
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			BorderHeader(false).
			StyleFunc(func(row, col int) lipgloss.Style {
				return lipgloss.NewStyle().PaddingRight(2)
			})
	}

	summary := ScreenSummary(cfg)
	if styled {
		summary = TitleStyle.Render("dispconf") + " " + SubtleStyle.Render(summary)
	}
	return summary + "\n" + t.String() + "\n"
}
