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
	"testing"
	"time"

	"voxnote/audio"
	"voxnote/genai"
	"voxnote/job"
	"voxnote/store"
	"voxnote/usage"
)

// fakeStream replays scripted fragments, optionally failing partway
type fakeStream struct {
	fragments []string
	failAfter int // fragment count before err fires; -1 disables
	err       error
	pos       int
	closed    bool
}

func (s *fakeStream) Next() (string, error) {
	if s.err != nil && s.failAfter >= 0 && s.pos >= s.failAfter {
		return "", s.err
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// gateStream hands out fragments only as the test feeds them, so the test
// controls exactly when the consumer advances
type gateStream struct {
	frags chan string
}

func (g *gateStream) Next() (string, error) {
	frag, ok := <-g.frags
	if !ok {
		return "", io.EOF
	}
	return frag, nil
}

func (g *gateStream) Close() error { return nil }

// fakeGenerator hands out one stream per call and records prompts
type fakeGenerator struct {
	mu               sync.Mutex
	transcription    *fakeStream
	transcriptionAlt genai.TextStream // takes precedence when set
	textStreams      []*fakeStream
	transcribeErr    error
	prompts          []string
	languages        []string
}

func (g *fakeGenerator) StreamTranscription(ctx context.Context, audioPath, language string) (genai.TextStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.languages = append(g.languages, language)
	if g.transcribeErr != nil {
		return nil, g.transcribeErr
	}
	if g.transcriptionAlt != nil {
		return g.transcriptionAlt, nil
	}
	return g.transcription, nil
}

func (g *fakeGenerator) StreamText(ctx context.Context, prompt string) (genai.TextStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if len(g.textStreams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	s := g.textStreams[0]
	g.textStreams = g.textStreams[1:]
	return s, nil
}

func (g *fakeGenerator) promptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) transcribeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.languages)
}

type fakeDetector struct {
	language string
	err      error
	block    chan struct{} // when non-nil, DetectLanguage waits on it
}

func (d *fakeDetector) DetectLanguage(ctx context.Context, audioPath, mimeType string) (string, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return d.language, d.err
}

// fakeAllocator counts handle churn
type fakeAllocator struct {
	mu        sync.Mutex
	allocs    int
	releases  []string
	allocErr  error
	lastAlloc string
}

func (a *fakeAllocator) Allocate(key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocErr != nil {
		return "", a.allocErr
	}
	a.allocs++
	a.lastAlloc = fmt.Sprintf("audio://%s#%d", key, a.allocs)
	return a.lastAlloc, nil
}

func (a *fakeAllocator) Release(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases = append(a.releases, url)
}

func (a *fakeAllocator) released() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.releases...)
}

// memStore is an in-memory RecordStore
type memStore struct {
	mu             sync.Mutex
	transcriptions map[string]*store.Transcription
	recordings     map[string]*store.AudioRecording
	nextID         int
	createErr      error
	updateErr      error
	addAudioErr    error
	updates        []store.TranscriptionUpdate
}

func newMemStore() *memStore {
	return &memStore{
		transcriptions: make(map[string]*store.Transcription),
		recordings:     make(map[string]*store.AudioRecording),
	}
}

func (m *memStore) CreateTranscription(ctx context.Context, t *store.Transcription) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("t-%d", m.nextID)
	cp := *t
	cp.ID = id
	m.transcriptions[id] = &cp
	return id, nil
}

func (m *memStore) UpdateTranscription(ctx context.Context, id string, upd store.TranscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.transcriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	m.updates = append(m.updates, upd)
	if upd.RawText != nil {
		t.RawText = *upd.RawText
	}
	if upd.CleanedText != nil {
		t.CleanedText = *upd.CleanedText
	}
	if upd.AdvancedText != nil {
		t.AdvancedText = *upd.AdvancedText
	}
	if upd.AdvancedTitle != nil {
		t.AdvancedTitle = *upd.AdvancedTitle
	}
	if upd.AudioID != nil {
		t.AudioID = *upd.AudioID
	}
	if upd.Warning != nil {
		t.Warning = *upd.Warning
	}
	return nil
}

func (m *memStore) GetTranscriptionByID(ctx context.Context, id string) (*store.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) AddAudioFile(ctx context.Context, rec *store.AudioRecording) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addAudioErr != nil {
		return "", m.addAudioErr
	}
	m.nextID++
	id := fmt.Sprintf("a-%d", m.nextID)
	cp := *rec
	cp.ID = id
	m.recordings[id] = &cp
	return id, nil
}

func (m *memStore) GetAudioRecording(ctx context.Context, id string) (*store.AudioRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) AudioFilesSince(ctx context.Context, ownerID string, since time.Time) ([]store.AudioRecording, error) {
	return nil, nil
}

func (m *memStore) CountAudioFiles(ctx context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recordings), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) transcription(t *testing.T, id string) *store.Transcription {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transcriptions[id]
	if !ok {
		t.Fatalf("transcription %s not stored", id)
	}
	cp := *tr
	return &cp
}

// testEnv bundles a driver with its fakes
type testEnv struct {
	driver *Driver
	gen    *fakeGenerator
	det    *fakeDetector
	store  *memStore
	urls   *fakeAllocator
	status usage.Status
	file   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		gen:   &fakeGenerator{},
		det:   &fakeDetector{language: "Portuguese"},
		store: newMemStore(),
		urls:  &fakeAllocator{},
	}

	dir := t.TempDir()
	env.file = filepath.Join(dir, "memo.mp3")
	if err := os.WriteFile(env.file, []byte("not really audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{
		Generator: env.gen,
		Detector:  env.det,
		Store:     env.store,
		URLs:      env.urls,
		Status:    func() usage.Status { return env.status },
		Probe: func(path string) (*audio.Info, error) {
			dur := 120.0
			if strings.HasPrefix(filepath.Base(path), "long") {
				dur = usage.TrialMaxDurationSeconds + 1
			}
			return &audio.Info{
				DurationSeconds: dur,
				Size:            16,
				Path:            path,
				Filename:        filepath.Base(path),
				MIMEType:        "audio/mpeg",
			}, nil
		},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OwnerID:       "owner-1",
		ChunkThrottle: time.Nanosecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.driver = d
	return env
}

// waitState polls until cond holds
func waitState(t *testing.T, d *Driver, cond func(job.State) bool) job.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := d.State()
		if cond(s) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached; state: %+v", d.State())
	return job.State{}
}

func selectAndDetect(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.driver.SelectFile(context.Background(), env.file); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	waitState(t, env.driver, func(s job.State) bool {
		return s.FileSelected && !s.DetectingLanguage && s.DetectedLanguage != ""
	})
}

func TestDriverSelectFile(t *testing.T) {
	env := newTestEnv(t)
	selectAndDetect(t, env)

	s := env.driver.State()
	if s.AudioFile == nil || s.AudioFile.Name != "memo.mp3" {
		t.Fatalf("AudioFile = %+v", s.AudioFile)
	}
	if s.DurationSeconds != 120 {
		t.Errorf("DurationSeconds = %v", s.DurationSeconds)
	}
	if s.EstimatedTime == "" {
		t.Error("EstimatedTime not set")
	}
	if s.PrecisionPotential != 88 {
		t.Errorf("PrecisionPotential = %d, want 88 for mp3", s.PrecisionPotential)
	}
	if s.DetectedLanguage != "Portuguese" {
		t.Errorf("DetectedLanguage = %q", s.DetectedLanguage)
	}
	if s.AudioURL == "" {
		t.Error("no playback URL allocated")
	}
}

func TestDriverSelectFileTooLarge(t *testing.T) {
	env := newTestEnv(t)

	big := filepath.Join(t.TempDir(), "big.mp3")
	if err := os.WriteFile(big, make([]byte, 2*1024*1024), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{
		Generator:   env.gen,
		Store:       env.store,
		URLs:        env.urls,
		MaxUploadMB: 1,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SelectFile(context.Background(), big); err == nil {
		t.Fatal("oversized file accepted")
	}
	if s := d.State(); s.AudioFile != nil {
		t.Error("rejected file left partial state behind")
	}
	if env.urls.allocs != 0 {
		t.Error("URL allocated for rejected file")
	}
}

func TestDriverSelectFileProbeFailure(t *testing.T) {
	env := newTestEnv(t)

	d, err := New(Config{
		Generator: env.gen,
		Detector:  env.det,
		Store:     env.store,
		URLs:      env.urls,
		Probe: func(string) (*audio.Info, error) {
			return nil, errors.New("ffprobe exploded")
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SelectFile(context.Background(), env.file); err != nil {
		t.Fatalf("probe failure must not block selection: %v", err)
	}

	s := waitState(t, d, func(s job.State) bool { return s.FileSelected })
	if s.AudioFile == nil {
		t.Fatal("file not installed")
	}
	if s.DurationSeconds != 0 || s.EstimatedTime != "" {
		t.Errorf("estimates present despite failed probe: %v %q", s.DurationSeconds, s.EstimatedTime)
	}
	if s.Err != MsgUnreadableDuration {
		t.Errorf("Err = %q, want duration warning", s.Err)
	}
}

func TestDriverSelectFileTrialDurationCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.status = usage.Status{Plan: usage.PlanTrial, TrialActive: true}

	d, err := New(Config{
		Generator: env.gen,
		Store:     env.store,
		URLs:      env.urls,
		Status:    func() usage.Status { return env.status },
		Probe: func(path string) (*audio.Info, error) {
			return &audio.Info{DurationSeconds: usage.TrialMaxDurationSeconds + 1, Path: path, Filename: "long.mp3"}, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SelectFile(context.Background(), env.file); err == nil {
		t.Fatal("trial accepted a recording over the per-file duration ceiling")
	}
}

func TestDriverLanguageDetectionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.det.language = ""
	env.det.err = errors.New("model unavailable")

	if err := env.driver.SelectFile(context.Background(), env.file); err != nil {
		t.Fatal(err)
	}

	s := waitState(t, env.driver, func(s job.State) bool {
		return s.FileSelected && !s.DetectingLanguage && s.DetectedLanguage != ""
	})
	if s.DetectedLanguage != job.LanguageIndeterminate {
		t.Errorf("DetectedLanguage = %q, want indeterminate", s.DetectedLanguage)
	}
	if s.Err != MsgDetectionFailed {
		t.Errorf("Err = %q, want detection warning", s.Err)
	}
}

func TestDriverProcessHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"Ol", "á mundo"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{
		{fragments: []string{"<p>Olá", " Mundo</p>"}, failAfter: -1},
	}
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	s := env.driver.State()
	if s.Stage != job.StageCompleted {
		t.Fatalf("Stage = %q, want completed", s.Stage)
	}
	if s.RawTranscript != "Olá mundo" {
		t.Errorf("RawTranscript = %q", s.RawTranscript)
	}
	if s.CleanedTranscript != "<p>Olá Mundo</p>" {
		t.Errorf("CleanedTranscript = %q", s.CleanedTranscript)
	}
	if s.ProcessingTime == "" {
		t.Error("ProcessingTime not recorded")
	}
	if s.Err != "" {
		t.Errorf("Err = %q", s.Err)
	}

	// The clean prompt is built from the final raw text and the detected
	// language
	if env.gen.promptCount() != 1 {
		t.Fatalf("StreamText called %d times, want 1", env.gen.promptCount())
	}
	if !strings.Contains(env.gen.prompts[0], "Olá mundo") {
		t.Error("clean prompt does not embed the raw transcript")
	}
	if !strings.Contains(env.gen.prompts[0], "Portuguese") {
		t.Error("clean prompt does not mention the detected language")
	}
	if !env.gen.transcription.closed {
		t.Error("transcription stream not closed")
	}
}

func TestDriverProcessEmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"  ", "\n"}, failAfter: -1}
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	s := env.driver.State()
	if s.Stage != job.StageCompleted {
		t.Fatalf("Stage = %q, want completed: an empty transcript is valid", s.Stage)
	}
	if s.CleanedTranscript != "" {
		t.Errorf("CleanedTranscript = %q, want empty", s.CleanedTranscript)
	}
	if env.gen.promptCount() != 0 {
		t.Error("cleaning stage ran for an empty transcript")
	}
}

func TestDriverProcessFeatureLocked(t *testing.T) {
	env := newTestEnv(t)
	selectAndDetect(t, env)
	env.status = usage.Status{Plan: usage.PlanTrial, IsFeatureLocked: true}

	err := env.driver.Process(context.Background())
	if !errors.Is(err, ErrFeatureLocked) {
		t.Fatalf("err = %v, want ErrFeatureLocked", err)
	}
	if s := env.driver.State(); s.Stage != job.StageIdle {
		t.Errorf("Stage = %q, processing started while locked", s.Stage)
	}
}

func TestDriverProcessWhileDetecting(t *testing.T) {
	env := newTestEnv(t)
	env.det.block = make(chan struct{})

	if err := env.driver.SelectFile(context.Background(), env.file); err != nil {
		t.Fatal(err)
	}

	// The gate must hold the instant SelectFile returns, before the
	// detection goroutine has been scheduled at all
	if err := env.driver.Process(context.Background()); err == nil {
		t.Fatal("Process started while language detection was in flight")
	}
	if n := env.gen.transcribeCount(); n != 0 {
		t.Fatalf("transcription started %d time(s) without a language hint", n)
	}

	close(env.det.block)
	s := waitState(t, env.driver, func(s job.State) bool { return !s.DetectingLanguage })
	if s.DetectedLanguage != "Portuguese" {
		t.Errorf("DetectedLanguage = %q after detection settled", s.DetectedLanguage)
	}
}

func TestDriverRejectedSelectionKeepsCurrentJob(t *testing.T) {
	env := newTestEnv(t)
	env.status = usage.Status{Plan: usage.PlanTrial, TrialActive: true}
	env.det.block = make(chan struct{})

	if err := env.driver.SelectFile(context.Background(), env.file); err != nil {
		t.Fatal(err)
	}
	if !env.driver.State().DetectingLanguage {
		t.Fatal("detection not in flight for the first job")
	}

	long := filepath.Join(t.TempDir(), "long.mp3")
	if err := os.WriteFile(long, []byte("too long"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.driver.SelectFile(context.Background(), long); err == nil {
		t.Fatal("trial accepted a recording over the per-file duration ceiling")
	}

	if s := env.driver.State(); s.AudioFile == nil || s.AudioFile.Name != "memo.mp3" {
		t.Fatalf("rejected selection disturbed the current job: %+v", s.AudioFile)
	}

	// The surviving job's detection must still be able to settle
	close(env.det.block)
	s := waitState(t, env.driver, func(s job.State) bool { return !s.DetectingLanguage })
	if s.DetectedLanguage != "Portuguese" {
		t.Errorf("DetectedLanguage = %q, detection swallowed after rejected selection", s.DetectedLanguage)
	}
}

func TestDriverProcessStreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{
		fragments: []string{"partial "},
		failAfter: 1,
		err:       &genai.APIError{StatusCode: 429, Message: "quota"},
	}
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err == nil {
		t.Fatal("Process succeeded despite stream failure")
	}

	s := env.driver.State()
	if s.Stage != job.StageIdle {
		t.Errorf("Stage = %q, want idle", s.Stage)
	}
	if s.RawTranscript != "" {
		t.Errorf("partial transcript survived: %q", s.RawTranscript)
	}
	if s.Err != MsgQuotaExhausted {
		t.Errorf("Err = %q, want quota message", s.Err)
	}
	if s.AudioFile == nil {
		t.Error("selected file lost on processing failure")
	}
}

func TestDriverThrottleFlushesFinalChunk(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var rawUpdates int
	d, err := New(Config{
		Generator: env.gen,
		Detector:  env.det,
		Store:     env.store,
		URLs:      env.urls,
		Probe: func(path string) (*audio.Info, error) {
			return &audio.Info{DurationSeconds: 120, Path: path, Filename: filepath.Base(path), MIMEType: "audio/mpeg"}, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		// An interval no fragment can outwait: only the guaranteed final
		// flush may dispatch
		ChunkThrottle: time.Hour,
		OnChange: func(s job.State) {
			if s.Stage == job.StageTranscribing && s.RawTranscript != "" {
				mu.Lock()
				rawUpdates++
				mu.Unlock()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	env.gen.transcription = &fakeStream{fragments: []string{"Olá ", "mundo", "!"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{{fragments: []string{"<p>Olá mundo!</p>"}, failAfter: -1}}

	if err := d.SelectFile(context.Background(), env.file); err != nil {
		t.Fatal(err)
	}
	waitState(t, d, func(s job.State) bool { return !s.DetectingLanguage })

	if err := d.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	s := d.State()
	if s.RawTranscript != "Olá mundo!" {
		t.Errorf("RawTranscript = %q, final fragments lost to the throttle", s.RawTranscript)
	}
	mu.Lock()
	n := rawUpdates
	mu.Unlock()
	if n != 1 {
		t.Errorf("%d raw dispatches during transcribing, want exactly the final flush", n)
	}
}

func TestDriverResetAbandonsInFlightStream(t *testing.T) {
	env := newTestEnv(t)
	gs := &gateStream{frags: make(chan string)}
	env.gen.transcriptionAlt = gs
	selectAndDetect(t, env)

	done := make(chan error, 1)
	go func() { done <- env.driver.Process(context.Background()) }()

	gs.frags <- "partial "
	waitState(t, env.driver, func(s job.State) bool { return s.RawTranscript == "partial " })

	env.driver.Reset()

	// Feed one more fragment; the abandoned consumer must drop it and stop
	gs.frags <- "never shown"
	close(gs.frags)

	if err := <-done; err != nil {
		t.Fatalf("abandoned Process returned %v, want nil", err)
	}

	s := env.driver.State()
	if s.Stage != job.StageIdle || s.AudioFile != nil {
		t.Errorf("state disturbed after abandonment: stage=%q file=%+v", s.Stage, s.AudioFile)
	}
	if s.RawTranscript != "" {
		t.Errorf("RawTranscript = %q, abandoned stream kept dispatching", s.RawTranscript)
	}
	if s.Err != "" {
		t.Errorf("Err = %q, abandonment surfaced as a failure", s.Err)
	}
}

func TestDriverResetReleasesURL(t *testing.T) {
	env := newTestEnv(t)
	selectAndDetect(t, env)

	url := env.driver.State().AudioURL
	env.driver.Reset()

	rel := env.urls.released()
	if len(rel) != 1 || rel[0] != url {
		t.Errorf("released = %v, want exactly [%s]", rel, url)
	}
	if s := env.driver.State(); s.AudioFile != nil || s.AudioURL != "" {
		t.Errorf("state not reset: %+v", s)
	}
}

func TestDriverSelectReplaceReleasesURL(t *testing.T) {
	env := newTestEnv(t)
	selectAndDetect(t, env)
	first := env.driver.State().AudioURL

	selectAndDetect(t, env)

	rel := env.urls.released()
	if len(rel) != 1 || rel[0] != first {
		t.Errorf("released = %v, want [%s]", rel, first)
	}
}

func TestDriverSaveInsertAndLinkAudio(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"hello"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{{fragments: []string{"<p>Hello</p>"}, failAfter: -1}}
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.driver.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := waitState(t, env.driver, func(s job.State) bool {
		return s.CurrentTranscriptionID != "" && s.CurrentAudioID != ""
	})

	rec := env.store.transcription(t, s.CurrentTranscriptionID)
	if rec.RawText != "hello" || rec.CleanedText != "<p>Hello</p>" {
		t.Errorf("stored texts = %q / %q", rec.RawText, rec.CleanedText)
	}
	if rec.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q", rec.OwnerID)
	}
	if rec.AudioID != s.CurrentAudioID {
		t.Errorf("record AudioID = %q, state = %q", rec.AudioID, s.CurrentAudioID)
	}
	if rec.Warning != "" {
		t.Errorf("Warning = %q on successful link", rec.Warning)
	}

	a, err := env.store.GetAudioRecording(context.Background(), s.CurrentAudioID)
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Data) != "not really audio" {
		t.Error("audio blob not stored")
	}
}

func TestDriverSaveLinkFailureAnnotatesRecord(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"hello"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{{fragments: []string{"<p>Hello</p>"}, failAfter: -1}}
	env.store.addAudioErr = errors.New("blob store down")
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.driver.Save(context.Background()); err != nil {
		t.Fatalf("Save must succeed despite a failing audio link: %v", err)
	}

	s := waitState(t, env.driver, func(s job.State) bool { return s.CurrentTranscriptionID != "" })

	// The warning lands asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := env.store.transcription(t, s.CurrentTranscriptionID)
		if rec.Warning == MsgAudioLinkFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Warning = %q, want audio link warning", rec.Warning)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDriverSaveUpdatesLinkedRecord(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"second pass"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{{fragments: []string{"<p>Second pass</p>"}, failAfter: -1}}

	id, err := env.store.CreateTranscription(context.Background(), &store.Transcription{
		OwnerID: "owner-1",
		RawText: "first pass",
	})
	if err != nil {
		t.Fatal(err)
	}

	selectAndDetect(t, env)
	env.driver.SetTranscriptionToUpdate(id)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.driver.Save(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := env.store.transcription(t, id)
	if rec.RawText != "second pass" {
		t.Errorf("RawText = %q, want updated text", rec.RawText)
	}
	env.store.mu.Lock()
	n := len(env.store.transcriptions)
	env.store.mu.Unlock()
	if n != 1 {
		t.Errorf("%d records stored, want 1 (update, not insert)", n)
	}
}

func TestDriverSaveNothing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.driver.Save(context.Background()); err == nil {
		t.Fatal("Save succeeded with nothing to save")
	}
}

func TestDriverRefine(t *testing.T) {
	env := newTestEnv(t)
	env.gen.transcription = &fakeStream{fragments: []string{"meeting notes"}, failAfter: -1}
	env.gen.textStreams = []*fakeStream{
		{fragments: []string{"<p>Meeting notes</p>"}, failAfter: -1},
		{fragments: []string{"# Quarterly Review\n", "Revenue is up."}, failAfter: -1},
	}
	selectAndDetect(t, env)

	if err := env.driver.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.driver.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, env.driver, func(s job.State) bool { return s.CurrentTranscriptionID != "" })

	if err := env.driver.Refine(context.Background(), RefineReport); err != nil {
		t.Fatalf("Refine: %v", err)
	}

	s := env.driver.State()
	if s.Refining {
		t.Error("Refining still set")
	}
	if s.AdvancedTranscript != "# Quarterly Review\nRevenue is up." {
		t.Errorf("AdvancedTranscript = %q", s.AdvancedTranscript)
	}
	if s.AdvancedTitle != "Quarterly Review" {
		t.Errorf("AdvancedTitle = %q", s.AdvancedTitle)
	}

	rec := env.store.transcription(t, s.CurrentTranscriptionID)
	if rec.AdvancedText == "" || rec.AdvancedTitle != "Quarterly Review" {
		t.Errorf("refinement not persisted: %q / %q", rec.AdvancedTitle, rec.AdvancedText)
	}
}

func TestDriverRefineRequiresTranscript(t *testing.T) {
	env := newTestEnv(t)
	if err := env.driver.Refine(context.Background(), RefineArticle); err == nil {
		t.Fatal("Refine succeeded without a transcript")
	}
}

func TestDriverLoadTranscription(t *testing.T) {
	env := newTestEnv(t)

	audioID, err := env.store.AddAudioFile(context.Background(), &store.AudioRecording{
		OwnerID:  "owner-1",
		Name:     "saved.wav",
		MIMEType: "audio/wav",
		Size:     99,
		Data:     []byte("blob"),
	})
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.store.CreateTranscription(context.Background(), &store.Transcription{
		OwnerID:         "owner-1",
		RawText:         "raw",
		CleanedText:     "cleaned",
		Language:        "English",
		DurationSeconds: 300,
		AudioID:         audioID,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.driver.LoadTranscription(context.Background(), id); err != nil {
		t.Fatalf("LoadTranscription: %v", err)
	}

	s := env.driver.State()
	if s.Stage != job.StageCompleted {
		t.Errorf("Stage = %q, want completed", s.Stage)
	}
	if s.CurrentTranscriptionID != id || s.TranscriptionToUpdateID != id {
		t.Errorf("ids = %q / %q", s.CurrentTranscriptionID, s.TranscriptionToUpdateID)
	}
	if s.AudioFile == nil || s.AudioFile.Name != "saved.wav" {
		t.Errorf("AudioFile = %+v", s.AudioFile)
	}
	if s.AudioURL == "" {
		t.Error("no playback URL for loaded audio")
	}

	if err := env.driver.LoadTranscription(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFriendlyMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit", &genai.APIError{StatusCode: 429}, MsgQuotaExhausted},
		{"forbidden", &genai.APIError{StatusCode: 403}, MsgQuotaExhausted},
		{"bad request", &genai.APIError{StatusCode: 400}, MsgUnreadableAudio},
		{"payload too large", &genai.APIError{StatusCode: 413}, MsgUnreadableAudio},
		{"server error", &genai.APIError{StatusCode: 503}, MsgNetworkFailure},
		{"deadline", context.DeadlineExceeded, MsgNetworkFailure},
		{"unknown", errors.New("boom"), MsgGenericFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := friendlyMessage(tt.err); got != tt.want {
				t.Errorf("friendlyMessage(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
