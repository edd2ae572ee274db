package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/franksops/gomigrate/store"
)

// Snapshot fetches the current state of the watched migration.
type Snapshot func() (*store.Migration, error)

// Controls are the job actions bound to keys. Nil actions are disabled.
type Controls struct {
	Pause  func() error
	Cancel func() error
}

// UIState represents the aggregated state for the TUI
type UIState struct {
	Migration      *store.Migration
	ThroughputBPms float64 // bytes per millisecond
	Err            error
	Done           bool
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	state    UIState
	fetch    Snapshot
	controls Controls
	interval time.Duration
	notice   string

	lastBytes  int64
	lastSample time.Time

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	fileStyle    lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg carries a fresh snapshot of the migration
type TUIUpdateMsg struct {
	Migration *store.Migration
	Err       error
	At        time.Time
}

type tickMsg time.Time

type controlMsg struct {
	action string
	err    error
}

// NewTUIModel creates a model that polls fetch every interval.
func NewTUIModel(fetch Snapshot, controls Controls, interval time.Duration) TUIModel {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		fetch:        fetch,
		controls:     controls,
		interval:     interval,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		fileStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// State returns the last state the model rendered.
func (m TUIModel) State() UIState {
	return m.state
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.poll(),
	)
}

func (m TUIModel) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		mig, err := fetch()
		return TUIUpdateMsg{Migration: mig, Err: err, At: time.Now()}
	}
}

func (m TUIModel) control(action string, fn func() error) tea.Cmd {
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		return controlMsg{action: action, err: fn()}
	}
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			return m, m.control("pause", m.controls.Pause)
		case "c":
			return m, m.control("cancel", m.controls.Cancel)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.apply(msg)
		if m.state.Done {
			return m, tea.Quit
		}
		interval := m.interval
		cmds = append(cmds, tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) }))

	case tickMsg:
		cmds = append(cmds, m.poll())

	case controlMsg:
		if msg.err != nil {
			m.notice = m.errorStyle.Render(fmt.Sprintf("%s failed: %v", msg.action, msg.err))
		} else {
			m.notice = m.infoStyle.Render(msg.action + " requested")
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// apply folds a snapshot into the state and updates the throughput sample.
func (m *TUIModel) apply(msg TUIUpdateMsg) {
	m.state.Err = msg.Err
	if msg.Err != nil || msg.Migration == nil {
		return
	}

	mig := msg.Migration
	if !m.lastSample.IsZero() && msg.At.After(m.lastSample) {
		elapsed := float64(msg.At.Sub(m.lastSample).Milliseconds())
		if elapsed > 0 && mig.TransferredBytes >= m.lastBytes {
			m.state.ThroughputBPms = float64(mig.TransferredBytes-m.lastBytes) / elapsed
		}
	}
	m.lastBytes = mig.TransferredBytes
	m.lastSample = msg.At

	m.state.Migration = mig
	m.state.Done = mig.Status != store.MigrationPending && mig.Status != store.MigrationInProgress
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s gmigrate %s", m.spinner.View(), m.titleStyle.Render("Storage Migration"))
	sb.WriteString(header + "\n")

	mig := m.state.Migration
	if mig == nil {
		if m.state.Err != nil {
			sb.WriteString(m.errorStyle.Render(m.state.Err.Error()) + "\n")
		} else {
			sb.WriteString(m.infoStyle.Render("Waiting for migration state...") + "\n")
		}
		return sb.String()
	}

	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("%s | %s -> %s | %s",
		mig.ID, mig.SourceCategory, mig.TargetProvider, mig.Status)) + "\n")

	// Global Progress
	var percent float64 = 0
	if mig.TotalBytes > 0 {
		percent = float64(mig.TransferredBytes) / float64(mig.TotalBytes)
	} else if mig.TotalFiles > 0 {
		percent = float64(mig.MigratedFiles) / float64(mig.TotalFiles)
	}

	opsInfo := fmt.Sprintf("ETA: %s | %s | Files: %d/%d (%d failed) | %s / %s",
		formatETA(percent, m.state.ThroughputBPms, mig.TotalBytes, mig.TransferredBytes),
		formatSpeed(m.state.ThroughputBPms*1000),
		mig.MigratedFiles, mig.TotalFiles, mig.FailedFiles,
		humanize.IBytes(uint64(mig.TransferredBytes)), humanize.IBytes(uint64(mig.TotalBytes)))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	// Current file
	sb.WriteString("Current File:\n")
	var content strings.Builder
	if mig.CurrentFile == "" {
		content.WriteString(m.infoStyle.Render("Idle..."))
	} else {
		truncatePath := mig.CurrentFile
		if len(truncatePath) > 60 {
			truncatePath = "..." + truncatePath[len(truncatePath)-57:]
		}
		content.WriteString(m.fileStyle.Render(truncatePath))
	}
	if mig.Error != "" {
		content.WriteString("\n" + m.errorStyle.Render(mig.Error))
	}
	if m.state.Err != nil {
		content.WriteString("\n" + m.errorStyle.Render(m.state.Err.Error()))
	}

	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q: quit • p: pause • c: cancel")
	if m.state.Done {
		if mig.Status == store.MigrationCompleted {
			help = m.successStyle.Render("Migration Complete!")
		} else {
			help = m.infoStyle.Render("Migration " + string(mig.Status))
		}
	}
	if m.notice != "" {
		help += "\n" + m.notice
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// Run shows the model full screen until the migration stops or the user
// quits, and returns the final state.
func Run(model TUIModel) (UIState, error) {
	final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		return UIState{}, err
	}
	if fm, ok := final.(TUIModel); ok {
		return fm.State(), nil
	}
	return model.State(), nil
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
