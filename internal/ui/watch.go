package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/session"
)

// ConfigMsg hands the watched config to the model
type ConfigMsg struct {
	Config  *display.Config
	Backend string
}

// ChangedMsg reports that the watched config was updated in place
type ChangedMsg struct{}

// ErrMsg reports a failure to fetch the config
type ErrMsg struct {
	Err error
}

const separatorChar = "╌"

var columnWidths = []int{2, 4, 14, 12, 18, 11, 9, 6, 8}

// WatchModel shows the outputs of a watched config and refreshes on change
type WatchModel struct {
	table   table.Model
	spinner spinner.Model

	cfg     *display.Config
	backend string
	err     error
	updates int
	updated time.Time
	width   int
}

// NewWatchModel creates a model waiting for its first ConfigMsg
func NewWatchModel() *WatchModel {
	cols := make([]table.Column, len(OutputColumns))
	for i, title := range OutputColumns {
		cols[i] = table.Column{Title: title, Width: columnWidths[i]}
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = TableHeaderStyle
	styles.Selected = TableSelectedStyle
	t.SetStyles(styles)

	s := spinner.New()
	s.Spinner = spinner.Spinner{Frames: SpinnerDot, FPS: time.Second / 10}
	s.Style = SpinnerStyle

	return &WatchModel{table: t, spinner: s}
}

// Init implements tea.Model
func (m *WatchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Updates returns how many change notifications were shown
func (m *WatchModel) Updates() int {
	return m.updates
}

func (m *WatchModel) refresh() {
	if m.cfg == nil {
		return
	}
	rows := OutputRows(m.cfg)
	trows := make([]table.Row, len(rows))
	for i, r := range rows {
		trows[i] = table.Row(r)
	}
	m.table.SetRows(trows)
	m.updated = time.Now()
}

// Update implements tea.Model
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 6; h > 2 {
			m.table.SetHeight(h)
		}
		return m, nil
	case ConfigMsg:
		m.cfg = msg.Config
		m.backend = msg.Backend
		m.err = nil
		m.refresh()
		return m, nil
	case ChangedMsg:
		m.updates++
		m.refresh()
		return m, nil
	case ErrMsg:
		m.err = msg.Err
		return m, nil
	case spinner.TickMsg:
		if m.cfg != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m *WatchModel) View() string {
	var b strings.Builder

	title := TitleStyle.Render("dispconf watch")
	if m.backend != "" {
		title += " " + SubtleStyle.Render(m.backend)
	}
	b.WriteString(title + "\n\n")

	switch {
	case m.err != nil:
		b.WriteString(ErrorStyle.Render("Error: "+m.err.Error()) + "\n")
	case m.cfg == nil:
		b.WriteString(m.spinner.View() + " Loading configuration...\n")
	default:
		b.WriteString(SubtleStyle.Render(ScreenSummary(m.cfg)) + "\n")
		b.WriteString(m.table.View() + "\n")
		status := fmt.Sprintf("%d updates", m.updates)
		if !m.updated.IsZero() {
			status += ", last " + m.updated.Format("15:04:05")
		}
		b.WriteString(InfoStyle.Render(status) + "\n")
	}

	b.WriteString("\n" + CreateSeparator(m.width, separatorChar) + "\n")
	b.WriteString(FormatControl("↑/↓", "select") + "  " + FormatControl("q", "quit"))
	return b.String()
}

// RunWatch runs the watch view until the user quits or ctx is done
func RunWatch(ctx context.Context, sess *session.Session, opts ...tea.ProgramOption) error {
	model := NewWatchModel()
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(model, opts...)

	stop := sess.Monitor.Subscribe(func(*display.Config) { p.Send(ChangedMsg{}) })
	defer stop()

	go func() {
		cfg, err := sess.Watch(ctx)
		if err != nil {
			p.Send(ErrMsg{Err: err})
			return
		}
		p.Send(ConfigMsg{Config: cfg, Backend: sess.Manager.BackendName()})
	}()

	final, err := p.Run()
	if wm, ok := final.(*WatchModel); ok && wm.cfg != nil {
		sess.Unwatch(wm.cfg)
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
