package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"voxnote/audio"
	"voxnote/genai"
	"voxnote/pipeline"
	"voxnote/store"
	"voxnote/tui"
	"voxnote/usage"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
)

// Build info - set via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Styles
var (
	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8A8A8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	shortVersionFlag := flag.Bool("v", false, "Print version information (short)")
	transcribeFlag := flag.String("transcribe", "", "Transcribe a single file and exit")
	outFlag := flag.String("out", "", "Write the transcript to a file instead of stdout (with -transcribe)")
	rawFlag := flag.Bool("raw", false, "Output the raw transcript instead of the cleaned one (with -transcribe)")
	flag.Parse()

	if *versionFlag || *shortVersionFlag {
		fmt.Printf("voxnote %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  go:     %s\n", runtime.Version())
		fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Load .env file if it exists (won't error if missing)
	_ = godotenv.Load()

	logger := newLogger()

	headless := *transcribeFlag != ""
	if !headless {
		fmt.Println(tui.Header())
	}

	if err := audio.CheckFFprobe(); err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}
	if err := genai.CheckConfig(); err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		fmt.Println(infoStyle.Render(genai.GetAPIKeyHelp()))
		os.Exit(1)
	}

	profPath, err := profilePath()
	if err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}
	prof, err := loadOrCreateProfile(profPath)
	if err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}

	st, err := openStore(logger)
	if err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	client, err := genai.NewClientFromEnv()
	if err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}

	statusFn := func() usage.Status {
		return fetchStatus(st, prof, logger)
	}

	listener := tui.NewStateListener()
	driver, err := pipeline.New(pipeline.Config{
		Generator: client,
		Detector:  client,
		Store:     st,
		Status:    statusFn,
		Logger:    logger,
		OwnerID:   prof.ID,
		OnChange:  listener.Notify,
	})
	if err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		os.Exit(1)
	}
	defer driver.Teardown()

	if headless {
		if err := runHeadlessTranscribe(driver, *transcribeFlag, *outFlag, *rawFlag); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
			os.Exit(1)
		}
		return
	}

	for {
		if !runMenu(driver, listener, st, &prof, profPath, statusFn) {
			break
		}
	}

	fmt.Println(subtitleStyle.Render("\nThanks for using VoxNote!"))
}

// newLogger builds the process logger. VOXNOTE_DEBUG widens the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("VOXNOTE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openStore opens Postgres when VOXNOTE_DATABASE_URL is set, and a local
// SQLite database otherwise
func openStore(logger *slog.Logger) (store.RecordStore, error) {
	if dsn := os.Getenv("VOXNOTE_DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.OpenPostgres(ctx, store.PostgresConfig{DSN: dsn}, logger)
	}

	dir := os.Getenv("VOXNOTE_DATA_DIR")
	if dir == "" {
		cfg, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config directory: %w", err)
		}
		dir = filepath.Join(cfg, "voxnote")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.OpenSQLite(filepath.Join(dir, "voxnote.db"), logger)
}

// fetchStatus recomputes the quota standing from stored recordings. A
// storage failure degrades to a status without usage data rather than
// blocking the workspace.
func fetchStatus(st store.RecordStore, prof usage.Profile, logger *slog.Logger) usage.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	period := usage.CurrentPeriod(prof, time.Now())

	var files []usage.AudioFile
	recs, err := st.AudioFilesSince(ctx, prof.ID, period.Start)
	if err != nil {
		logger.Warn("failed to load usage data", "error", err)
	}
	for _, r := range recs {
		files = append(files, usage.AudioFile{
			ID:              r.ID,
			DurationSeconds: r.DurationSeconds,
			Size:            r.Size,
			CreatedAt:       r.CreatedAt,
		})
	}

	count, err := st.CountAudioFiles(ctx, prof.ID)
	if err != nil {
		logger.Warn("failed to count recordings", "error", err)
	}

	return usage.ComputeStatus(prof, files, count, time.Now)
}

// runMenu shows the top-level menu; returns false to exit
func runMenu(driver *pipeline.Driver, listener *tui.StateListener, st store.RecordStore, prof *usage.Profile, profPath string, statusFn func() usage.Status) bool {
	var choice string
	menu := huh.NewSelect[string]().
		Title("What would you like to do?").
		Options(
			huh.NewOption("Transcribe an audio file", "transcribe"),
			huh.NewOption("Open a saved transcription", "load"),
			huh.NewOption("Account status", "status"),
			huh.NewOption("Change plan", "plan"),
			huh.NewOption("Exit", "exit"),
		).
		Value(&choice)

	if err := huh.NewForm(huh.NewGroup(menu)).WithTheme(huh.ThemeCatppuccin()).Run(); err != nil {
		return false
	}

	switch choice {
	case "transcribe":
		driver.Reset()
		if err := tui.RunWorkspace(driver, listener, statusFn); err != nil {
			fmt.Println(errorStyle.Render("Error: " + err.Error()))
		}
		return true

	case "load":
		return loadWorkflow(driver, listener, st, prof.ID, statusFn)

	case "status":
		printStatus(statusFn(), *prof)
		return true

	case "plan":
		return changePlan(prof, profPath)

	case "exit":
		return false
	}

	return true
}

// loadWorkflow prompts for a saved transcription and opens it in the
// workspace
func loadWorkflow(driver *pipeline.Driver, listener *tui.StateListener, st store.RecordStore, ownerID string, statusFn func() usage.Status) bool {
	var id string
	input := huh.NewInput().
		Title("Transcription ID").
		Description("Paste the ID of a saved transcription").
		Value(&id)

	if err := huh.NewForm(huh.NewGroup(input)).WithTheme(huh.ThemeCatppuccin()).Run(); err != nil {
		return err != huh.ErrUserAborted
	}
	if id == "" {
		return true
	}

	var loadErr error
	_ = spinner.New().
		Title("Loading transcription...").
		Action(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			loadErr = driver.LoadTranscription(ctx, id)
		}).
		Run()

	if loadErr != nil {
		fmt.Println(errorStyle.Render("Error: " + loadErr.Error()))
		return true
	}

	if err := tui.RunWorkspace(driver, listener, statusFn); err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
	}
	return true
}

// printStatus renders the account standing box
func printStatus(st usage.Status, prof usage.Profile) {
	var lines string
	lines += fmt.Sprintf("Plan:       %s\n", st.Plan)
	if st.TrialActive {
		lines += fmt.Sprintf("Trial:      %d day(s) remaining\n", st.TrialDaysLeft)
	}
	if st.TrialExpired {
		lines += "Trial:      expired\n"
	}
	lines += fmt.Sprintf("Recordings: %d", st.FileCount)
	if prof.Plan == usage.PlanTrial {
		lines += fmt.Sprintf(" / %d", usage.TrialMaxFiles)
	}
	lines += "\n"
	lines += fmt.Sprintf("Usage:      %s (%.0f%%)\n", formatHours(st.UsageSeconds), st.UsagePercent)
	if st.IsFeatureLocked {
		lines += "\nTranscription is locked. Upgrade your plan to continue."
	}

	box := boxStyle.Render(lines)
	if st.IsFeatureLocked {
		fmt.Println(errorStyle.Render(box))
	} else {
		fmt.Println(successStyle.Render(box))
	}
}

func formatHours(seconds float64) string {
	if seconds < 3600 {
		return fmt.Sprintf("%.0f min", seconds/60)
	}
	return fmt.Sprintf("%.1f h", seconds/3600)
}

// changePlan updates the stored plan. Plan changes reset the quota gate on
// the next status refresh.
func changePlan(prof *usage.Profile, profPath string) bool {
	plan := prof.Plan
	sel := huh.NewSelect[usage.Plan]().
		Title("Select a plan").
		Options(
			huh.NewOption("Trial (1 hour, 7 days)", usage.PlanTrial),
			huh.NewOption("Starter (5 hours / month)", usage.PlanStarter),
			huh.NewOption("Pro (20 hours / month)", usage.PlanPro),
			huh.NewOption("Unlimited", usage.PlanUnlimited),
		).
		Value(&plan)

	if err := huh.NewForm(huh.NewGroup(sel)).WithTheme(huh.ThemeCatppuccin()).Run(); err != nil {
		return err != huh.ErrUserAborted
	}

	prof.Plan = plan
	if err := saveProfile(profPath, *prof); err != nil {
		fmt.Println(errorStyle.Render("Error: " + err.Error()))
		return true
	}
	fmt.Println(successStyle.Render("Plan updated to " + string(plan)))
	return true
}
