package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/mapnotebook/internal/client"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

// shownLogLines is how many recent log lines the live view keeps.
const shownLogLines = 6

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Warn    lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Warn:    lipgloss.Color("#FFAF00"), // amber
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warnStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warn)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries one progress event from the stream.
type eventMsg struct {
	ev client.Event
}

// streamDoneMsg reports that the stream ended.
type streamDoneMsg struct {
	err error
}

// progressModel is the bubbletea model for batch progress.
type progressModel struct {
	sessionID string
	events    <-chan tea.Msg
	session   *service.Session
	logs      []service.LogEntry
	progress  progress.Model
	theme     Theme
	done      bool
	quitting  bool
	err       error
}

// newProgressModel creates a model fed by events.
func newProgressModel(sessionID string, events <-chan tea.Msg) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		sessionID: sessionID,
		events:    events,
		progress:  prog,
		theme:     defaultTheme,
	}
}

// Init starts listening for events.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForEvent(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		switch {
		case msg.ev.Log != nil:
			m.logs = append(m.logs, *msg.ev.Log)
			if len(m.logs) > shownLogLines {
				m.logs = m.logs[len(m.logs)-shownLogLines:]
			}
		case msg.ev.Session != nil:
			m.session = msg.ev.Session
		}
		return m, m.waitForEvent()

	case streamDoneMsg:
		m.done = true
		m.err = batchError(m.session, msg.err)
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// waitForEvent blocks on the next stream message.
func (m progressModel) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return streamDoneMsg{}
		}
		return msg
	}
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.session == nil || m.session.Status == service.StatusWaiting {
		return "Waiting for batch " + m.sessionID + "...\n"
	}

	s := m.session
	stage := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", s.Stage))
	bar := m.progress.ViewAs(float64(s.Percentage) / 100)
	counts := fmt.Sprintf("%d/%d steps", s.Current, s.Total)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", stage, bar, counts)
	if s.CurrentFile != "" {
		fmt.Fprintf(&b, "  %s\n", s.CurrentFile)
	}
	for _, e := range m.logs {
		line := fmt.Sprintf("  %s %s", e.Time, e.Message)
		switch e.Level {
		case "ERROR":
			line = m.theme.errorStyle().Render(line)
		case "WARN":
			line = m.theme.warnStyle().Render(line)
		default:
			line = m.theme.hintStyle().Render(line)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to continue in background") + "\n")
	return b.String()
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nBatch %s continues in background.\nUse 'mapnotebook watch %s' to follow it.\n",
			m.sessionID, m.sessionID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Batch failed: %s\n", m.err))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n\n" + summary(m.session)
	if m.session != nil && m.session.PersistError != "" {
		out += m.theme.warnStyle().Render("\nIndex was not uploaded: "+m.session.PersistError) + "\n"
	}
	return out
}

// summary lists processed and failed files of a finished session.
func summary(s *service.Session) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  Processed: %d\n", len(s.Processed))
	for _, f := range s.Processed {
		fmt.Fprintf(&b, "    • %s (%s)\n", f.Name, f.Size)
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "  Failed:    %d\n", len(s.Failed))
		for _, f := range s.Failed {
			fmt.Fprintf(&b, "    • %s (%s): %s\n", f.Name, f.Size, f.Error)
		}
	}
	if s.Folder != "" {
		persisted := "yes"
		if !s.Persisted {
			persisted = "no"
		}
		fmt.Fprintf(&b, "  Folder:    %s (uploaded: %s)\n", s.Folder, persisted)
	}
	return b.String()
}

// batchError turns the final state of a stream into the command's error.
func batchError(s *service.Session, streamErr error) error {
	if streamErr != nil {
		return streamErr
	}
	switch {
	case s == nil || !s.Status.Terminal():
		return errors.New("progress stream ended before the batch finished")
	case s.Status == service.StatusError:
		if s.Error != "" {
			return errors.New(s.Error)
		}
		return errors.New("batch failed with unknown error")
	}
	return nil
}

// RunBatchProgress runs the interactive progress UI for a session.
// Returns nil on success or Ctrl+C (background), error on batch failure.
func RunBatchProgress(c *client.Client, sessionID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan tea.Msg, 64)
	go func() {
		err := c.Watch(ctx, sessionID, func(ev client.Event) error {
			select {
			case events <- eventMsg{ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case events <- streamDoneMsg{err: err}:
		case <-ctx.Done():
		}
	}()

	p := tea.NewProgram(newProgressModel(sessionID, events))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}

// RunPlainProgress prints log lines as they arrive and a summary at the end.
func RunPlainProgress(ctx context.Context, c *client.Client, w io.Writer, sessionID string) error {
	var last *service.Session
	err := c.Watch(ctx, sessionID, func(ev client.Event) error {
		switch {
		case ev.Log != nil:
			fmt.Fprintf(w, "%s %-5s %s\n", ev.Log.Time, ev.Log.Level, ev.Log.Message)
		case ev.Session != nil:
			last = ev.Session
		}
		return nil
	})
	if err := batchError(last, err); err != nil {
		return err
	}
	fmt.Fprint(w, summary(last))
	if last.PersistError != "" {
		fmt.Fprintf(w, "  Warning: index was not uploaded: %s\n", last.PersistError)
	}
	return nil
}
