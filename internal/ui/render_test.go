package ui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/dispconf/internal/backend/fake"
	"github.com/bnema/dispconf/internal/display"
)

func loadFixture(t *testing.T, name string) *display.Config {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "backend", "fake", "testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	cfg, err := fake.Parse(data)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return cfg
}

func TestOutputRows(t *testing.T) {
	cfg := loadFixture(t, "multi.yaml")
	rows := OutputRows(cfg)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	want := [][]string{
		{IndicatorEnabled, "1", "eDP-1" + IndicatorPrimary, "Panel", "1280x800@60.00", "0,0", "none", "1", ""},
		{IndicatorEnabled, "2", "HDMI-A-1", "HDMI", "1920x1080@60.00", "1280,0", "none", "1", ""},
	}
	for i := range want {
		if len(rows[i]) != len(OutputColumns) {
			t.Fatalf("row %d has %d cells, want %d", i, len(rows[i]), len(OutputColumns))
		}
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d col %q = %q, want %q", i, OutputColumns[j], rows[i][j], want[i][j])
			}
		}
	}
}

func TestOutputRowsStates(t *testing.T) {
	cfg := loadFixture(t, "multi.yaml")
	cfg.Output(1).SetEnabled(false)
	cfg.Output(2).SetConnected(false)

	rows := OutputRows(cfg)
	if rows[0][0] != IndicatorDisabled {
		t.Errorf("disabled output shows %q", rows[0][0])
	}
	if rows[1][0] != IndicatorDisconnected {
		t.Errorf("disconnected output shows %q", rows[1][0])
	}
}

func TestFormatModeNil(t *testing.T) {
	if got := FormatMode(nil); got != "-" {
		t.Errorf("FormatMode(nil) = %q", got)
	}
}

func TestRenderConfig(t *testing.T) {
	cfg := loadFixture(t, "multi.yaml")

	for _, styled := range []bool{false, true} {
		out := RenderConfig(cfg, styled)
		for _, want := range []string{"screen 1", "3200x1080", "eDP-1", "HDMI-A-1", "1920x1080@60.00", "1280,0"} {
			if !strings.Contains(out, want) {
				t.Errorf("RenderConfig(styled=%v) missing %q:\n%s", styled, want, out)
			}
		}
	}

	if got := RenderConfig(nil, false); !strings.Contains(got, "no configuration") {
		t.Errorf("RenderConfig(nil) = %q", got)
	}
}

func TestWatchModelLifecycle(t *testing.T) {
	m := NewWatchModel()
	if !strings.Contains(m.View(), "Loading") {
		t.Errorf("initial view should show loading:\n%s", m.View())
	}

	cfg := loadFixture(t, "multi.yaml")
	m.Update(ConfigMsg{Config: cfg, Backend: "fake"})
	view := m.View()
	for _, want := range []string{"fake", "HDMI-A-1", "0 updates"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	// The monitor updates the watched config in place
	cfg.Output(2).SetCurrentModeID("3")
	m.Update(ChangedMsg{})
	view = m.View()
	if !strings.Contains(view, "1280x720@60.00") {
		t.Errorf("view not refreshed:\n%s", view)
	}
	if m.Updates() != 1 {
		t.Errorf("Updates() = %d, want 1", m.Updates())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should produce QuitMsg")
	}
}

func TestWatchModelError(t *testing.T) {
	m := NewWatchModel()
	m.Update(ErrMsg{Err: os.ErrNotExist})
	if !strings.Contains(m.View(), "Error:") {
		t.Errorf("error not shown:\n%s", m.View())
	}
}

func TestWatchModelSeparatorFollowsWidth(t *testing.T) {
	m := NewWatchModel()
	if n := strings.Count(m.View(), separatorChar); n != 50 {
		t.Errorf("default separator has %d chars, want 50", n)
	}

	m.Update(tea.WindowSizeMsg{Width: 37, Height: 20})
	if n := strings.Count(m.View(), separatorChar); n != 37 {
		t.Errorf("separator has %d chars, want 37", n)
	}
}
