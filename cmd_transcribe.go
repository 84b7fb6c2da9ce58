package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"voxnote/job"
	"voxnote/pipeline"

	"github.com/charmbracelet/huh/spinner"
)

// runHeadlessTranscribe processes a single file without the interactive
// workspace, for scripting and piping. The transcript is written to stdout
// or to -out.
func runHeadlessTranscribe(driver *pipeline.Driver, path, outPath string, raw bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := driver.SelectFile(ctx, path); err != nil {
		return err
	}

	// Language detection runs in the background; processing refuses to
	// start until it settles
	if err := waitFor(ctx, driver, func(s job.State) bool {
		return !s.DetectingLanguage
	}); err != nil {
		return err
	}

	var procErr error
	err := spinner.New().
		Title("Transcribing " + path + "...").
		Action(func() {
			procErr = driver.Process(ctx)
		}).
		Run()
	if err != nil {
		return err
	}
	if procErr != nil {
		return procErr
	}

	s := driver.State()
	if s.Stage != job.StageCompleted {
		if s.Err != "" {
			return fmt.Errorf("%s", s.Err)
		}
		return fmt.Errorf("transcription did not complete")
	}

	text := s.CleanedTranscript
	if raw {
		text = s.RawTranscript
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Println(successStyle.Render("Saved transcript to " + outPath))
	} else {
		fmt.Println(strings.TrimSpace(text))
	}

	if err := driver.Save(ctx); err != nil {
		return fmt.Errorf("failed to save transcription: %w", err)
	}
	if id := driver.State().CurrentTranscriptionID; id != "" {
		fmt.Fprintln(os.Stderr, infoStyle.Render("Transcription ID: "+id))
	}
	return nil
}

// waitFor polls the driver state until cond holds or the context expires
func waitFor(ctx context.Context, driver *pipeline.Driver, cond func(job.State) bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond(driver.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
