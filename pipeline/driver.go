// Package pipeline sequences the external calls that drive one
// transcription job: file intake, language detection, the streamed
// transcribe/clean/refine stages, and persistence. All I/O and resource
// lifecycle lives here; the state machine itself stays pure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"voxnote/audio"
	"voxnote/estimate"
	"voxnote/job"
	"voxnote/store"
	"voxnote/usage"

	"voxnote/genai"
)

const (
	// MaxUploadMB is the size ceiling for selected files
	MaxUploadMB = 100

	// ChunkThrottle bounds how often streamed chunks are dispatched into
	// the state machine. The final chunk is always flushed.
	ChunkThrottle = 100 * time.Millisecond

	// detectTimeout bounds the language detection call
	detectTimeout = 30 * time.Second
)

// Generator produces finite, non-restartable streams of text fragments
type Generator interface {
	StreamTranscription(ctx context.Context, audioPath string, language string) (genai.TextStream, error)
	StreamText(ctx context.Context, prompt string) (genai.TextStream, error)
}

// LanguageDetector identifies the spoken language of an audio file
type LanguageDetector interface {
	DetectLanguage(ctx context.Context, audioPath string, mimeType string) (string, error)
}

// URLAllocator manages transient playback handles for audio. Every
// allocated handle must be released exactly once; the driver releases the
// outgoing handle at every site that replaces or drops one.
type URLAllocator interface {
	Allocate(key string) (string, error)
	Release(url string)
}

// noopAllocator hands out inert handles
type noopAllocator struct{}

func (noopAllocator) Allocate(key string) (string, error) { return "audio://" + key, nil }
func (noopAllocator) Release(string)                      {}

// Config wires the driver's collaborators. Generator and Store are
// required; everything else has a sensible default.
type Config struct {
	Generator Generator
	Detector  LanguageDetector
	Store     store.RecordStore
	URLs      URLAllocator

	// Status supplies the current quota standing; it is the sole gate
	// consulted before starting a new processing stage
	Status func() usage.Status

	// Probe reads audio metadata; defaults to ffprobe
	Probe func(path string) (*audio.Info, error)

	// Now supplies the clock; injected for deterministic tests
	Now func() time.Time

	// OnChange is invoked with each new state after an action is applied
	OnChange func(job.State)

	Logger        *slog.Logger
	OwnerID       string
	ChunkThrottle time.Duration
	MaxUploadMB   int64
}

// Driver owns the job state and is the only component that dispatches
// actions into it. One driver manages one job slot; starting a new job
// tears down the previous one.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	state job.State

	// generation increments whenever the current job is replaced or
	// abandoned; streams started under an older generation stop
	// dispatching
	generation int
	processing bool
}

// New creates a driver
func New(cfg Config) (*Driver, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.URLs == nil {
		cfg.URLs = noopAllocator{}
	}
	if cfg.Probe == nil {
		cfg.Probe = audio.Probe
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkThrottle <= 0 {
		cfg.ChunkThrottle = ChunkThrottle
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = MaxUploadMB
	}

	return &Driver{
		cfg:   cfg,
		state: job.NewState(),
	}, nil
}

// State returns a snapshot of the current job state
func (d *Driver) State() job.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// dispatch applies one action, carries out the resulting resource effect,
// and notifies the change listener
func (d *Driver) dispatch(a job.Action) job.State {
	d.mu.Lock()
	next, eff := job.Reduce(d.state, a)
	d.state = next
	d.mu.Unlock()

	if eff.ReleaseURL != "" {
		d.cfg.URLs.Release(eff.ReleaseURL)
	}
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(next)
	}
	return next
}

// stale reports whether the given generation has been superseded
func (d *Driver) stale(gen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen != d.generation
}

// bumpGeneration abandons any in-flight streams for the previous job
func (d *Driver) bumpGeneration() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	return d.generation
}

// SelectFile validates and installs a new audio file as the current job,
// then starts language detection in the background. A failed duration
// probe degrades the job (no estimates) but does not block selection.
func (d *Driver) SelectFile(ctx context.Context, path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access file: %w", err)
	}
	if stat.Size() > d.cfg.MaxUploadMB*1024*1024 {
		return fmt.Errorf("file is %s; the maximum upload size is %d MB",
			audio.FormatFileSize(stat.Size()), d.cfg.MaxUploadMB)
	}

	var st usage.Status
	if d.cfg.Status != nil {
		st = d.cfg.Status()
	}
	if st.Plan == usage.PlanTrial && stat.Size() > usage.TrialMaxFileSizeMB*1024*1024 {
		return fmt.Errorf("trial accounts are limited to files under %d MB", usage.TrialMaxFileSizeMB)
	}

	// A failed probe is non-fatal: the file is installed without
	// estimates and the warning travels with it
	var warning string
	info, probeErr := d.cfg.Probe(path)
	if probeErr != nil {
		d.cfg.Logger.Warn("duration probe failed", "path", path, "error", probeErr)
		warning = MsgUnreadableDuration
		info = &audio.Info{
			Path:     path,
			Size:     stat.Size(),
			Filename: filepath.Base(path),
			MIMEType: audio.MIMETypeFor(path),
		}
	}

	if st.Plan == usage.PlanTrial && info.DurationSeconds > usage.TrialMaxDurationSeconds {
		return fmt.Errorf("trial accounts are limited to recordings under %d minutes",
			usage.TrialMaxDurationSeconds/60)
	}

	// All validation has passed; only now is the previous job abandoned.
	// A rejected selection must leave it fully intact, including any
	// detection still in flight.
	gen := d.bumpGeneration()

	url, err := d.cfg.URLs.Allocate(path)
	if err != nil {
		d.dispatch(job.FileError{Err: "Could not prepare this file for playback."})
		return fmt.Errorf("failed to allocate playback URL: %w", err)
	}

	estimated := ""
	if probeErr == nil {
		estimated = estimate.EstimateProcessingTime(info.DurationSeconds)
	}

	d.dispatch(job.SetFile{
		File: job.FileInfo{
			Name:     info.Filename,
			MIMEType: info.MIMEType,
			Size:     info.Size,
			Path:     path,
		},
		AudioURL:        url,
		DurationSeconds: info.DurationSeconds,
		EstimatedTime:   estimated,
		Precision:       estimate.EstimatePrecisionPotential(info.Filename),
		Err:             warning,
	})

	// Detection is marked in flight before SelectFile returns so Process
	// can never slip in between the selection and the detection goroutine
	if d.cfg.Detector == nil {
		d.dispatch(job.SetLanguage{Language: job.LanguageIndeterminate})
		return nil
	}
	d.dispatch(job.StartLanguageDetection{})
	go d.detectLanguage(context.WithoutCancel(ctx), gen, path, info.MIMEType)

	return nil
}

// detectLanguage runs the detection call. Failure is recoverable: the job
// continues with an indeterminate language and a non-blocking warning.
func (d *Driver) detectLanguage(ctx context.Context, gen int, path, mimeType string) {
	dctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	label, err := d.cfg.Detector.DetectLanguage(dctx, path, mimeType)
	if d.stale(gen) {
		return
	}
	if err != nil {
		d.cfg.Logger.Warn("language detection failed", "path", path, "error", err)
		d.dispatch(job.SetLanguage{Language: job.LanguageIndeterminate, Err: MsgDetectionFailed})
		return
	}

	d.dispatch(job.SetLanguage{Language: label})
}

// Process runs the transcribe and clean stages for the selected file. It
// refuses to start when the quota gate is locked or while language
// detection is still in flight.
func (d *Driver) Process(ctx context.Context) error {
	if d.cfg.Status != nil && d.cfg.Status().IsFeatureLocked {
		return ErrFeatureLocked
	}

	d.mu.Lock()
	switch {
	case d.processing:
		d.mu.Unlock()
		return fmt.Errorf("processing is already in progress")
	case d.state.AudioFile == nil:
		d.mu.Unlock()
		return fmt.Errorf("no audio file selected")
	case d.state.DetectingLanguage:
		d.mu.Unlock()
		return fmt.Errorf("language detection is still running")
	}
	d.processing = true
	gen := d.generation
	path := d.state.AudioFile.Path
	lang := d.state.DetectedLanguage
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.processing = false
		d.mu.Unlock()
	}()

	start := d.cfg.Now()
	d.dispatch(job.StartProcessing{})

	stream, err := d.cfg.Generator.StreamTranscription(ctx, path, lang)
	if err != nil {
		return d.failProcessing(gen, err)
	}

	raw, err := d.consume(ctx, stream, gen, func(chunk string) job.Action {
		return job.UpdateRawTranscript{Chunk: chunk}
	})
	if err != nil {
		return d.failProcessing(gen, err)
	}
	if d.stale(gen) {
		return nil
	}
	d.dispatch(job.FinalizeRawTranscript{Text: raw})

	// An empty transcript is valid; skip cleaning entirely
	if strings.TrimSpace(raw) == "" {
		d.dispatch(job.FinalizeCleanedTranscript{Text: ""})
		d.dispatch(job.CompleteProcessing{Elapsed: d.cfg.Now().Sub(start)})
		return nil
	}

	cleanStream, err := d.cfg.Generator.StreamText(ctx, cleanPrompt(raw, lang))
	if err != nil {
		return d.failProcessing(gen, err)
	}

	cleaned, err := d.consume(ctx, cleanStream, gen, func(chunk string) job.Action {
		return job.UpdateCleanedTranscript{Chunk: chunk}
	})
	if err != nil {
		return d.failProcessing(gen, err)
	}
	if d.stale(gen) {
		return nil
	}
	d.dispatch(job.FinalizeCleanedTranscript{Text: cleaned})
	d.dispatch(job.CompleteProcessing{Elapsed: d.cfg.Now().Sub(start)})

	return nil
}

// failProcessing maps a stage failure into a single friendly message.
// Abandoned jobs fail silently: their state is already gone.
func (d *Driver) failProcessing(gen int, err error) error {
	if errors.Is(err, ErrJobAbandoned) || d.stale(gen) {
		return nil
	}
	d.cfg.Logger.Warn("processing failed", "error", err)
	d.dispatch(job.ProcessingError{Err: friendlyMessage(err)})
	return err
}

// consume folds a fragment stream into dispatches, throttled to the
// configured interval. The final fragment is always flushed before the
// caller finalizes the stage.
func (d *Driver) consume(ctx context.Context, stream genai.TextStream, gen int, update func(string) job.Action) (string, error) {
	defer stream.Close()

	var full, pending strings.Builder
	last := d.cfg.Now()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		d.dispatch(update(pending.String()))
		pending.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if d.stale(gen) {
			return "", ErrJobAbandoned
		}

		full.WriteString(frag)
		pending.WriteString(frag)

		if now := d.cfg.Now(); now.Sub(last) >= d.cfg.ChunkThrottle {
			flush()
			last = now
		}
	}

	if d.stale(gen) {
		return "", ErrJobAbandoned
	}
	flush()
	return full.String(), nil
}

// Save persists the job's text fields. A brand-new job is saved
// optimistically: the text record is created first and the audio blob is
// linked in the background, where a link failure annotates the record with
// a warning instead of failing the save. A job already linked to a
// persisted transcription only updates text fields.
func (d *Driver) Save(ctx context.Context) error {
	s := d.State()
	if s.RawTranscript == "" && s.CleanedTranscript == "" {
		return fmt.Errorf("nothing to save")
	}

	d.mu.Lock()
	gen := d.generation
	d.mu.Unlock()

	d.dispatch(job.StartSaving{})

	updateID := s.TranscriptionToUpdateID
	if updateID == "" {
		updateID = s.CurrentTranscriptionID
	}

	if updateID != "" {
		upd := store.TranscriptionUpdate{
			RawText:       store.StrPtr(s.RawTranscript),
			CleanedText:   store.StrPtr(s.CleanedTranscript),
			AdvancedText:  store.StrPtr(s.AdvancedTranscript),
			AdvancedTitle: store.StrPtr(s.AdvancedTitle),
		}
		if err := d.cfg.Store.UpdateTranscription(ctx, updateID, upd); err != nil {
			d.cfg.Logger.Error("failed to update transcription", "id", updateID, "error", err)
			d.dispatch(job.SavingError{Err: MsgSaveFailed})
			return err
		}
		d.dispatch(job.FinishSaving{TranscriptionID: updateID})
		return nil
	}

	rec := &store.Transcription{
		OwnerID:         d.cfg.OwnerID,
		Title:           titleFor(s),
		RawText:         s.RawTranscript,
		CleanedText:     s.CleanedTranscript,
		AdvancedText:    s.AdvancedTranscript,
		AdvancedTitle:   s.AdvancedTitle,
		Language:        s.DetectedLanguage,
		DurationSeconds: s.DurationSeconds,
	}

	id, err := d.cfg.Store.CreateTranscription(ctx, rec)
	if err != nil {
		d.cfg.Logger.Error("failed to create transcription", "error", err)
		d.dispatch(job.SavingError{Err: MsgSaveFailed})
		return err
	}

	d.dispatch(job.FinishSaving{TranscriptionID: id})

	if s.AudioFile != nil && s.CurrentAudioID == "" {
		go d.linkAudio(context.WithoutCancel(ctx), gen, id, s)
	}

	return nil
}

// linkAudio stores the binary audio for a freshly saved transcription.
// Failure is non-fatal: the saved record is annotated with a warning so the
// problem stays discoverable.
func (d *Driver) linkAudio(ctx context.Context, gen int, transcriptionID string, s job.State) {
	data, err := os.ReadFile(s.AudioFile.Path)
	if err == nil {
		var audioID string
		audioID, err = d.cfg.Store.AddAudioFile(ctx, &store.AudioRecording{
			OwnerID:         d.cfg.OwnerID,
			Name:            s.AudioFile.Name,
			MIMEType:        s.AudioFile.MIMEType,
			Size:            s.AudioFile.Size,
			DurationSeconds: s.DurationSeconds,
			Data:            data,
		})
		if err == nil {
			err = d.cfg.Store.UpdateTranscription(ctx, transcriptionID, store.TranscriptionUpdate{
				AudioID: store.StrPtr(audioID),
			})
			if err == nil && !d.stale(gen) {
				d.dispatch(job.SetCurrentAudioID{ID: audioID})
			}
			return
		}
	}

	d.cfg.Logger.Warn("failed to link audio", "transcription_id", transcriptionID, "error", err)
	if uerr := d.cfg.Store.UpdateTranscription(ctx, transcriptionID, store.TranscriptionUpdate{
		Warning: store.StrPtr(MsgAudioLinkFailed),
	}); uerr != nil {
		d.cfg.Logger.Error("failed to annotate transcription", "transcription_id", transcriptionID, "error", uerr)
	}
}

// Refine runs the optional refinement pass over the raw transcript. Its
// result is persisted by updating the linked record; persistence failure
// for this secondary artifact is logged, never surfaced.
func (d *Driver) Refine(ctx context.Context, mode RefineMode) error {
	s := d.State()
	if s.RawTranscript == "" {
		return fmt.Errorf("no transcript to refine")
	}

	d.mu.Lock()
	gen := d.generation
	d.mu.Unlock()

	d.dispatch(job.StartRefining{})

	stream, err := d.cfg.Generator.StreamText(ctx, refinePrompt(mode, s.RawTranscript))
	if err != nil {
		return d.failRefining(gen, err)
	}

	text, err := d.consume(ctx, stream, gen, func(chunk string) job.Action {
		return job.UpdateAdvancedTranscript{Chunk: chunk}
	})
	if err != nil {
		return d.failRefining(gen, err)
	}
	if d.stale(gen) {
		return nil
	}

	title := deriveTitle(text, mode)
	d.dispatch(job.FinishRefining{Title: title})

	if id := d.State().CurrentTranscriptionID; id != "" {
		upd := store.TranscriptionUpdate{
			AdvancedText:  store.StrPtr(text),
			AdvancedTitle: store.StrPtr(title),
		}
		if err := d.cfg.Store.UpdateTranscription(ctx, id, upd); err != nil {
			d.cfg.Logger.Warn("failed to persist refinement", "transcription_id", id, "error", err)
		}
	}

	return nil
}

func (d *Driver) failRefining(gen int, err error) error {
	if errors.Is(err, ErrJobAbandoned) || d.stale(gen) {
		return nil
	}
	d.cfg.Logger.Warn("refinement failed", "error", err)
	d.dispatch(job.RefiningError{Err: friendlyMessage(err)})
	return err
}

// LoadTranscription replaces the current job with a persisted one, seeding
// the state directly into the completed stage for editing
func (d *Driver) LoadTranscription(ctx context.Context, id string) error {
	rec, err := d.cfg.Store.GetTranscriptionByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load transcription: %w", err)
	}

	var file job.FileInfo
	var url string
	if rec.AudioID != "" {
		if a, aerr := d.cfg.Store.GetAudioRecording(ctx, rec.AudioID); aerr == nil {
			file = job.FileInfo{Name: a.Name, MIMEType: a.MIMEType, Size: a.Size}
			if u, uerr := d.cfg.URLs.Allocate(a.ID); uerr == nil {
				url = u
			}
		} else {
			d.cfg.Logger.Warn("linked audio unavailable", "audio_id", rec.AudioID, "error", aerr)
		}
	}

	d.bumpGeneration()
	d.dispatch(job.LoadExisting{
		TranscriptionID: rec.ID,
		AudioID:         rec.AudioID,
		File:            file,
		AudioURL:        url,
		DurationSeconds: rec.DurationSeconds,
		Language:        rec.Language,
		RawText:         rec.RawText,
		CleanedText:     rec.CleanedText,
		AdvancedText:    rec.AdvancedText,
		AdvancedTitle:   rec.AdvancedTitle,
	})

	return nil
}

// SetOutputPreference switches which transcript variant is displayed
func (d *Driver) SetOutputPreference(p job.OutputPreference) {
	d.dispatch(job.SetOutputPreference{Preference: p})
}

// ToggleExpanded flips the expanded transcript display toggle
func (d *Driver) ToggleExpanded() {
	d.dispatch(job.ToggleExpanded{})
}

// SetTranscriptionToUpdate links the job to an existing record so the next
// save updates it instead of inserting
func (d *Driver) SetTranscriptionToUpdate(id string) {
	d.dispatch(job.SetTranscriptionToUpdate{ID: id})
}

// Reset abandons the current job and returns to the initial state,
// releasing the playback URL
func (d *Driver) Reset() {
	d.bumpGeneration()
	d.dispatch(job.Reset{})
}

// Teardown releases resources on workspace exit
func (d *Driver) Teardown() {
	d.Reset()
}

// titleFor derives a record title from the job state
func titleFor(s job.State) string {
	if s.AdvancedTitle != "" {
		return s.AdvancedTitle
	}
	if s.AudioFile != nil && s.AudioFile.Name != "" {
		name := s.AudioFile.Name
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return "Untitled transcription"
}

// deriveTitle extracts a display title from the refined document
func deriveTitle(text string, mode RefineMode) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#* "))
		if line == "" {
			continue
		}
		if len(line) > 80 {
			line = line[:80]
		}
		return line
	}
	return mode.Label()
}
