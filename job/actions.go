package job

import "time"

// Action is the closed set of state transitions. Each concrete action is a
// plain struct; the reducer switches over the dynamic type.
type Action interface {
	action()
}

// Reset returns the job to the initial state
type Reset struct{}

// SetFile installs a freshly selected file with its precomputed duration,
// estimate and precision. The prior job state is fully replaced. Err
// carries a non-blocking warning, such as a failed duration probe.
type SetFile struct {
	File            FileInfo
	AudioURL        string
	DurationSeconds float64
	EstimatedTime   string
	Precision       int
	Err             string
}

// FileError records a failed file intake and clears the job
type FileError struct {
	Err string
}

// StartLanguageDetection marks the detection sub-task as in flight
type StartLanguageDetection struct{}

// SetLanguage records the detection result. Err may carry a non-fatal
// failure description alongside a fallback language value.
type SetLanguage struct {
	Language string
	Err      string
}

// StartProcessing clears prior transcripts and enters the transcribing stage
type StartProcessing struct{}

// UpdateRawTranscript appends a streamed transcription chunk
type UpdateRawTranscript struct {
	Chunk string
}

// FinalizeRawTranscript replaces the accumulated raw text with the
// authoritative final text and advances to the cleaning stage
type FinalizeRawTranscript struct {
	Text string
}

// UpdateCleanedTranscript appends a streamed cleaning chunk
type UpdateCleanedTranscript struct {
	Chunk string
}

// FinalizeCleanedTranscript installs the final cleaned text
type FinalizeCleanedTranscript struct {
	Text string
}

// CompleteProcessing marks the job completed and records elapsed wall time
type CompleteProcessing struct {
	Elapsed time.Duration
}

// ProcessingError aborts the current attempt. Partial streamed text is
// discarded and the job returns to idle.
type ProcessingError struct {
	Err string
}

// SetOutputPreference switches the displayed transcript variant
type SetOutputPreference struct {
	Preference OutputPreference
}

// ToggleExpanded flips the expanded transcript display toggle
type ToggleExpanded struct{}

// LoadExisting seeds the job directly into the completed stage from a
// persisted transcription, bypassing the transcribe and clean stages
type LoadExisting struct {
	TranscriptionID string
	AudioID         string
	File            FileInfo
	AudioURL        string
	DurationSeconds float64
	Language        string
	RawText         string
	CleanedText     string
	AdvancedText    string
	AdvancedTitle   string
}

// StartSaving marks the persistence sub-task as in flight
type StartSaving struct{}

// FinishSaving records the identifiers of the persisted records
type FinishSaving struct {
	TranscriptionID string
	AudioID         string
}

// SavingError records a failed save
type SavingError struct {
	Err string
}

// StartRefining marks the refinement sub-task as in flight
type StartRefining struct{}

// UpdateAdvancedTranscript appends a streamed refinement chunk
type UpdateAdvancedTranscript struct {
	Chunk string
}

// FinishRefining records the refined document title and, when the
// refinement created a new record, its identifier
type FinishRefining struct {
	Title           string
	TranscriptionID string
}

// RefiningError records a failed refinement
type RefiningError struct {
	Err string
}

// SetTranscriptionToUpdate links the job to an existing persisted
// transcription, switching save semantics from insert to update
type SetTranscriptionToUpdate struct {
	ID string
}

// SetCurrentAudioID links the job to a persisted audio recording
type SetCurrentAudioID struct {
	ID string
}

func (Reset) action()                     {}
func (SetFile) action()                   {}
func (FileError) action()                 {}
func (StartLanguageDetection) action()    {}
func (SetLanguage) action()               {}
func (StartProcessing) action()           {}
func (UpdateRawTranscript) action()       {}
func (FinalizeRawTranscript) action()     {}
func (UpdateCleanedTranscript) action()   {}
func (FinalizeCleanedTranscript) action() {}
func (CompleteProcessing) action()        {}
func (ProcessingError) action()           {}
func (SetOutputPreference) action()       {}
func (ToggleExpanded) action()            {}
func (LoadExisting) action()              {}
func (StartSaving) action()               {}
func (FinishSaving) action()              {}
func (SavingError) action()               {}
func (StartRefining) action()             {}
func (UpdateAdvancedTranscript) action()  {}
func (FinishRefining) action()            {}
func (RefiningError) action()             {}
func (SetTranscriptionToUpdate) action()  {}
func (SetCurrentAudioID) action()         {}
