package cli

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/matzehuels/cellarman/pkg/event"
)

// =============================================================================
// ProgressModel - Live pipeline progress
// =============================================================================

// rowStatus is the display state of one package in the progress view.
type rowStatus int

const (
	rowDownloading rowStatus = iota
	rowDownloaded
	rowInstalling
	rowSucceeded
	rowFailed
	rowSkipped
)

type progressRow struct {
	target string
	kind   string
	action string
	status rowStatus
	bytes  int64
	errMsg string
}

// progressEventMsg wraps a bus event for the tea loop.
type progressEventMsg event.Event

// progressDoneMsg signals that the event channel closed.
type progressDoneMsg struct{}

// ProgressModel is the bubbletea model rendering pipeline progress. It is
// fed by an event bus subscription and quits when the channel closes.
type ProgressModel struct {
	Events <-chan event.Event

	order []string
	rows  map[string]*progressRow
}

// NewProgressModel creates a progress model reading from ch.
func NewProgressModel(ch <-chan event.Event) ProgressModel {
	return ProgressModel{
		Events: ch,
		rows:   make(map[string]*progressRow),
	}
}

func waitForEvent(ch <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return progressDoneMsg{}
		}
		return progressEventMsg(e)
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return waitForEvent(m.Events)
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case progressDoneMsg:
		return m, tea.Quit
	case progressEventMsg:
		m.apply(event.Event(msg))
		return m, waitForEvent(m.Events)
	}
	return m, nil
}

func (m *ProgressModel) apply(e event.Event) {
	if e.Target == "" {
		return
	}
	row, ok := m.rows[e.Target]
	if !ok {
		row = &progressRow{target: e.Target, kind: e.PackageKind, action: e.Action}
		m.rows[e.Target] = row
		m.order = append(m.order, e.Target)
	}
	if e.Action != "" {
		row.action = e.Action
	}

	switch e.Type {
	case event.TypeDownloadStarted:
		row.status = rowDownloading
	case event.TypeDownloadFinished:
		row.status = rowDownloaded
		row.bytes = e.Bytes
	case event.TypeJobStarted:
		row.status = rowInstalling
	case event.TypeJobSucceeded:
		row.status = rowSucceeded
	case event.TypeDownloadFailed, event.TypeJobFailed:
		row.status = rowFailed
		row.errMsg = e.Err
	case event.TypeJobSkipped:
		row.status = rowSkipped
		row.errMsg = e.Err
	}
}

func (m ProgressModel) View() string {
	var b strings.Builder

	for _, target := range m.order {
		row := m.rows[target]

		label := row.target
		if row.action != "" {
			label = fmt.Sprintf("%s (%s)", row.target, row.action)
		}

		switch row.status {
		case rowDownloading:
			b.WriteString(fmt.Sprintf("  %s %s\n", styleIconSpinner.Render("↓"), StyleDim.Render(label+" downloading...")))
		case rowDownloaded:
			b.WriteString(fmt.Sprintf("  %s %s %s\n", styleIconSpinner.Render("↓"), StyleValue.Render(label), StyleDim.Render(formatBytes(row.bytes))))
		case rowInstalling:
			b.WriteString(fmt.Sprintf("  %s %s\n", StyleHighlight.Render("»"), StyleValue.Render(label+" installing...")))
		case rowSucceeded:
			b.WriteString(fmt.Sprintf("  %s %s\n", StyleSuccess.Render(iconSuccess), StyleValue.Render(label)))
		case rowFailed:
			b.WriteString(fmt.Sprintf("  %s %s %s\n", styleIconError.Render(iconError), StyleValue.Render(label), StyleDim.Render(row.errMsg)))
		case rowSkipped:
			b.WriteString(fmt.Sprintf("  %s %s %s\n", styleIconWarning.Render(iconWarning), StyleDim.Render(label), StyleDim.Render("skipped")))
		}
	}

	return b.String()
}

// formatBytes renders a byte count with a human-readable unit.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
