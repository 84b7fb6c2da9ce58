package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"voxnote/audio"
	"voxnote/estimate"
	"voxnote/job"
	"voxnote/pipeline"
	"voxnote/usage"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// WorkspaceStep tracks which screen of the workspace is active. Most of
// the interesting state lives in job.State; the step only distinguishes
// the file picker from the job views built on top of it.
type WorkspaceStep int

const (
	WStepPickFile WorkspaceStep = iota
	WStepJob
)

// StateListener bridges the driver's change callback into the Bubble Tea
// message loop. Notify never blocks; intermediate states may be dropped
// because the model re-reads the latest snapshot on every message.
type StateListener struct {
	ch chan job.State
}

// NewStateListener creates a listener with a small buffer
func NewStateListener() *StateListener {
	return &StateListener{ch: make(chan job.State, 16)}
}

// Notify queues a state snapshot for the UI
func (l *StateListener) Notify(s job.State) {
	select {
	case l.ch <- s:
	default:
	}
}

type stateChangedMsg job.State

type selectDoneMsg struct{ err error }

type processDoneMsg struct{ err error }

type saveDoneMsg struct{ err error }

type refineDoneMsg struct{ err error }

type tickMsg time.Time

// WorkspaceModel is the Bubble Tea model for one transcription workspace
type WorkspaceModel struct {
	driver   *pipeline.Driver
	listener *StateListener
	status   func() usage.Status

	step  WorkspaceStep
	state job.State

	filepicker filepicker.Model
	spinner    spinner.Model
	usageBar   progress.Model

	errorMessage string
	startedAt    time.Time

	width  int
	height int

	quitting bool
}

// NewWorkspaceModel creates the workspace model. The listener must be the
// one wired into the driver's OnChange.
func NewWorkspaceModel(d *pipeline.Driver, listener *StateListener, status func() usage.Status) WorkspaceModel {
	fp := filepicker.New()
	fp.FileAllowed = true
	fp.DirAllowed = false
	fp.ShowHidden = false
	fp.ShowSize = true
	fp.Height = 12
	fp.AllowedTypes = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".aac", ".webm", ".opus"}

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)

	return WorkspaceModel{
		driver:     d,
		listener:   listener,
		status:     status,
		step:       WStepPickFile,
		state:      d.State(),
		filepicker: fp,
		spinner:    s,
		usageBar:   bar,
		width:      80,
		height:     24,
	}
}

// Init initializes the model
func (m WorkspaceModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.filepicker.Init(),
		m.waitForState(),
		tickEvery(),
	)
}

// waitForState blocks on the listener channel and delivers the next
// driver-side state change
func (m WorkspaceModel) waitForState() tea.Cmd {
	return func() tea.Msg {
		return stateChangedMsg(<-m.listener.ch)
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m WorkspaceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		barModel, cmd := m.usageBar.Update(msg)
		m.usageBar = barModel.(progress.Model)
		return m, cmd

	case tickMsg:
		return m, tickEvery()

	case stateChangedMsg:
		// The message is only a wake-up; the driver snapshot is
		// authoritative since Notify drops states under load
		m.state = m.driver.State()
		return m, m.waitForState()

	case selectDoneMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.errorMessage = ""
		m.state = m.driver.State()
		m.step = WStepJob
		return m, nil

	case processDoneMsg, saveDoneMsg, refineDoneMsg:
		// Outcomes surface through the job state; re-read it here so the
		// final state is never lost to dropped change notifications
		m.state = m.driver.State()
		return m, nil
	}

	if m.step == WStepPickFile {
		var cmd tea.Cmd
		m.filepicker, cmd = m.filepicker.Update(msg)
		if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
			return m, m.selectFile(path)
		}
		return m, cmd
	}

	return m, nil
}

// handleKey handles keyboard input per screen
func (m WorkspaceModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" {
		m.quitting = true
		m.driver.Teardown()
		return m, tea.Quit
	}

	switch m.step {
	case WStepPickFile:
		if key == "q" {
			m.quitting = true
			m.driver.Teardown()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.filepicker, cmd = m.filepicker.Update(msg)
		if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
			return m, m.selectFile(path)
		}
		return m, cmd

	case WStepJob:
		switch m.state.Stage {
		case job.StageIdle:
			switch key {
			case "p", "enter":
				if m.state.AudioFile != nil && !m.state.DetectingLanguage {
					m.errorMessage = ""
					m.startedAt = time.Now()
					return m, m.process()
				}
			case "n", "esc":
				m.driver.Reset()
				m.errorMessage = ""
				m.step = WStepPickFile
				return m, m.filepicker.Init()
			case "q":
				m.quitting = true
				m.driver.Teardown()
				return m, tea.Quit
			}

		case job.StageTranscribing, job.StageCleaning:
			if key == "esc" {
				// Abandon: in-flight streams stop dispatching
				m.driver.Reset()
				m.step = WStepPickFile
				return m, m.filepicker.Init()
			}

		case job.StageCompleted:
			switch key {
			case "t":
				if m.state.OutputPreference == job.OutputCleaned {
					m.driver.SetOutputPreference(job.OutputRaw)
				} else {
					m.driver.SetOutputPreference(job.OutputCleaned)
				}
			case "e":
				m.driver.ToggleExpanded()
			case "s":
				if !m.state.Saving {
					return m, m.save()
				}
			case "1", "2", "3", "4":
				if !m.state.Refining {
					modes := []pipeline.RefineMode{
						pipeline.RefineReport,
						pipeline.RefineArticle,
						pipeline.RefineKeyPoints,
						pipeline.RefineActionItems,
					}
					return m, m.refine(modes[int(key[0]-'1')])
				}
			case "n":
				m.driver.Reset()
				m.errorMessage = ""
				m.step = WStepPickFile
				return m, m.filepicker.Init()
			case "q":
				m.quitting = true
				m.driver.Teardown()
				return m, tea.Quit
			}
		}
	}

	return m, nil
}

func (m WorkspaceModel) selectFile(path string) tea.Cmd {
	return func() tea.Msg {
		return selectDoneMsg{err: m.driver.SelectFile(context.Background(), path)}
	}
}

func (m WorkspaceModel) process() tea.Cmd {
	return func() tea.Msg {
		return processDoneMsg{err: m.driver.Process(context.Background())}
	}
}

func (m WorkspaceModel) save() tea.Cmd {
	return func() tea.Msg {
		return saveDoneMsg{err: m.driver.Save(context.Background())}
	}
}

func (m WorkspaceModel) refine(mode pipeline.RefineMode) tea.Cmd {
	return func() tea.Msg {
		return refineDoneMsg{err: m.driver.Refine(context.Background(), mode)}
	}
}

// View renders the UI
func (m WorkspaceModel) View() string {
	if m.quitting {
		return MutedStyle.Render("Goodbye!\n")
	}

	var b strings.Builder
	b.WriteString(Header())
	b.WriteString("\n")
	b.WriteString(m.renderUsage())
	b.WriteString("\n")

	switch m.step {
	case WStepPickFile:
		b.WriteString(m.renderPicker())
	case WStepJob:
		switch m.state.Stage {
		case job.StageIdle:
			b.WriteString(m.renderReady())
		case job.StageTranscribing, job.StageCleaning:
			b.WriteString(m.renderProcessing())
		case job.StageCompleted:
			b.WriteString(m.renderCompleted())
		}
	}

	if m.errorMessage != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("Error: ") + BodyStyle.Render(m.errorMessage))
	}
	if m.state.Err != "" {
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render(m.state.Err))
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

// renderUsage shows the plan standing and period consumption
func (m WorkspaceModel) renderUsage() string {
	if m.status == nil {
		return ""
	}
	st := m.status()

	badge := BadgeStyle.Render(strings.ToUpper(string(st.Plan)))
	if st.IsFeatureLocked {
		badge = BadgeErrorStyle.Render(strings.ToUpper(string(st.Plan)) + " LOCKED")
	} else if st.TrialActive && st.TrialDaysLeft <= 2 {
		badge = BadgeWarningStyle.Render(fmt.Sprintf("TRIAL %dd LEFT", st.TrialDaysLeft))
	}

	bar := m.usageBar.ViewAs(st.UsagePercent / 100)

	var detail string
	if math.IsInf(st.CeilingSeconds, 1) {
		detail = MutedStyle.Render("unlimited")
	} else {
		detail = MutedStyle.Render(fmt.Sprintf("%s / %s this period",
			formatSeconds(st.UsageSeconds),
			formatSeconds(st.CeilingSeconds)))
	}

	return lipgloss.JoinHorizontal(lipgloss.Center, badge, "  ", bar, "  ", detail)
}

func (m WorkspaceModel) renderPicker() string {
	title := TitleStyle.Render("Select an audio file to transcribe")
	desc := MutedStyle.Render("Supported: mp3, wav, m4a, ogg, flac, aac, webm, opus")
	return BoxStyle.Render(title + "\n" + desc + "\n\n" + m.filepicker.View())
}

// renderReady shows the selected file with its estimates before processing
func (m WorkspaceModel) renderReady() string {
	if m.state.AudioFile == nil {
		return BoxStyle.Render(MutedStyle.Render("No file selected."))
	}

	f := m.state.AudioFile
	lines := []string{
		fmt.Sprintf("File:       %s", f.Name),
		fmt.Sprintf("Size:       %s", audio.FormatFileSize(f.Size)),
	}
	if m.state.DurationSeconds > 0 {
		lines = append(lines, fmt.Sprintf("Duration:   %s", formatSeconds(m.state.DurationSeconds)))
	}
	if m.state.EstimatedTime != "" {
		lines = append(lines, fmt.Sprintf("Estimate:   ~%s processing", m.state.EstimatedTime))
	}
	if m.state.PrecisionPotential > 0 {
		lines = append(lines, fmt.Sprintf("Precision:  up to %d%%", m.state.PrecisionPotential))
	}

	if m.state.DetectingLanguage {
		lines = append(lines, fmt.Sprintf("Language:   %s detecting...", m.spinner.View()))
	} else if m.state.DetectedLanguage != "" {
		lines = append(lines, fmt.Sprintf("Language:   %s", m.state.DetectedLanguage))
	}

	return Card("Ready to transcribe", strings.Join(lines, "\n"), min(m.width-4, 70))
}

// renderProcessing shows the live transcript tail as chunks stream in
func (m WorkspaceModel) renderProcessing() string {
	var stage, text string
	switch m.state.Stage {
	case job.StageTranscribing:
		stage = "Transcribing"
		text = m.state.RawTranscript
	case job.StageCleaning:
		stage = "Cleaning up"
		text = m.state.CleanedTranscript
	}

	title := TitleStyle.Render(stage + "...")
	head := m.spinner.View() + " " + BodyStyle.Render(stage+" audio")

	var meta []string
	if m.state.EstimatedTime != "" {
		meta = append(meta, "est. "+m.state.EstimatedTime)
	}
	if !m.startedAt.IsZero() {
		meta = append(meta, "elapsed "+formatElapsed(time.Since(m.startedAt)))
	}
	if m.state.Stage == job.StageTranscribing && m.state.InitialPrecision > 0 {
		meta = append(meta, fmt.Sprintf("precision %d%%",
			estimate.DynamicPrecision(m.state.RawTranscript, m.state.InitialPrecision)))
	}

	body := title + "\n\n" + head
	if len(meta) > 0 {
		body += "\n" + MutedStyle.Render(strings.Join(meta, "  |  "))
	}
	if tail := transcriptTail(text, 6, m.width-10); tail != "" {
		body += "\n\n" + MutedStyle.Render(tail)
	}

	return BoxStyle.Render(body)
}

// renderCompleted shows the finished transcript and the follow-up actions
func (m WorkspaceModel) renderCompleted() string {
	title := SuccessStyle.Render("Transcription complete")

	variant := "Cleaned"
	text := m.state.CleanedTranscript
	if m.state.OutputPreference == job.OutputRaw {
		variant = "Raw"
		text = m.state.RawTranscript
	}
	if strings.TrimSpace(text) == "" {
		text = "(empty transcript)"
	}

	maxLines := 8
	if m.state.Expanded {
		maxLines = m.height - 16
		if maxLines < 8 {
			maxLines = 8
		}
	}

	var info []string
	if m.state.DetectedLanguage != "" {
		info = append(info, "Language: "+m.state.DetectedLanguage)
	}
	if m.state.ProcessingTime != "" {
		info = append(info, "Took "+m.state.ProcessingTime)
	}
	if m.state.InitialPrecision > 0 {
		info = append(info, fmt.Sprintf("Precision %d%%",
			estimate.DynamicPrecision(m.state.RawTranscript, m.state.InitialPrecision)))
	}
	if m.state.Saving {
		info = append(info, m.spinner.View()+" saving")
	} else if m.state.CurrentTranscriptionID != "" {
		info = append(info, "Saved")
	}
	if m.state.Refining {
		info = append(info, m.spinner.View()+" refining")
	} else if m.state.AdvancedTitle != "" {
		info = append(info, "Refined: "+m.state.AdvancedTitle)
	}

	body := title
	if len(info) > 0 {
		body += "\n" + MutedStyle.Render(strings.Join(info, "  |  "))
	}
	body += "\n\n" + Card(variant+" transcript", transcriptTail(text, maxLines, m.width-10), min(m.width-6, 90))

	if m.state.Refining && m.state.AdvancedTranscript != "" {
		body += "\n" + Card("Refinement", transcriptTail(m.state.AdvancedTranscript, 6, m.width-10), min(m.width-6, 90))
	}

	return body
}

func (m WorkspaceModel) renderHelp() string {
	var keys []string

	switch m.step {
	case WStepPickFile:
		keys = append(keys, "j/k", "Navigate", "enter", "Select", "q", "Quit")
	case WStepJob:
		switch m.state.Stage {
		case job.StageIdle:
			keys = append(keys, "p", "Process", "n", "New file", "q", "Quit")
		case job.StageTranscribing, job.StageCleaning:
			keys = append(keys, "esc", "Abandon")
		case job.StageCompleted:
			keys = append(keys,
				"t", "Raw/cleaned", "e", "Expand", "s", "Save",
				"1-4", "Refine", "n", "New file", "q", "Quit")
		}
	}

	if len(keys) == 0 {
		return ""
	}

	helpStyle := lipgloss.NewStyle().Foreground(ColorMuted)
	keyStyle := lipgloss.NewStyle().Foreground(ColorSubtle).Bold(true)

	var parts []string
	for i := 0; i+1 < len(keys); i += 2 {
		parts = append(parts, keyStyle.Render(keys[i])+" "+helpStyle.Render(keys[i+1]))
	}
	return helpStyle.Render(strings.Join(parts, "  |  "))
}

// transcriptTail returns the last n wrapped lines of text
func transcriptTail(text string, n, width int) string {
	if width < 20 {
		width = 20
	}
	wrapped := lipgloss.NewStyle().Width(width).Render(strings.TrimSpace(text))
	lines := strings.Split(wrapped, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatSeconds(sec float64) string {
	return audio.FormatDuration(time.Duration(sec * float64(time.Second)))
}

// RunWorkspace runs the interactive workspace until the user quits
func RunWorkspace(d *pipeline.Driver, listener *StateListener, status func() usage.Status) error {
	model := NewWorkspaceModel(d, listener, status)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
