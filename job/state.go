// Package job models the lifecycle of one transcription job as a pure
// state machine: a State struct, a closed set of Actions, and a Reduce
// function. The reducer never performs I/O; resource actions it cannot take
// itself are signalled back to the caller through an Effect, the same way a
// Bubble Tea model hands commands back to its runtime.
package job

// Stage is the primary discriminator of the job state machine
type Stage string

const (
	StageIdle         Stage = "idle"
	StageTranscribing Stage = "transcribing"
	StageCleaning     Stage = "cleaning"
	StageCompleted    Stage = "completed"
)

// OutputPreference selects which transcript variant the UI shows
type OutputPreference string

const (
	OutputCleaned OutputPreference = "cleaned"
	OutputRaw     OutputPreference = "raw"
)

// LanguageIndeterminate is the fallback label when detection fails
const LanguageIndeterminate = "Indeterminate"

// FileInfo identifies the audio file a job operates on
type FileInfo struct {
	Name     string
	MIMEType string
	Size     int64
	Path     string
}

// State is the complete state of one transcription job. It is owned by the
// reducer and mutated only through dispatched actions.
type State struct {
	AudioFile *FileInfo

	// AudioURL is a transient playback handle for the selected file. The
	// reducer never releases it; every transition that drops or replaces
	// it reports the outgoing value via Effect.ReleaseURL.
	AudioURL string

	RawTranscript      string
	CleanedTranscript  string
	AdvancedTranscript string
	AdvancedTitle      string

	Stage Stage
	Err   string

	DurationSeconds    float64
	EstimatedTime      string
	PrecisionPotential int

	// InitialPrecision is the decay baseline; immutable once a file is
	// selected
	InitialPrecision int

	DetectedLanguage  string
	DetectingLanguage bool

	CurrentAudioID          string
	CurrentTranscriptionID  string
	TranscriptionToUpdateID string

	Saving   bool
	Refining bool

	OutputPreference OutputPreference
	Expanded         bool
	FileSelected     bool

	// ProcessingTime is the formatted wall-clock time of the last
	// completed run
	ProcessingTime string
}

// NewState returns the initial idle state
func NewState() State {
	return State{
		Stage:            StageIdle,
		OutputPreference: OutputCleaned,
	}
}

// Effect reports a resource action the reducer cannot perform itself
type Effect struct {
	// ReleaseURL is a playback URL the outgoing state held and the new
	// state no longer references; the caller must revoke it
	ReleaseURL string
}
