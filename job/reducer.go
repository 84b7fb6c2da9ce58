package job

import (
	"voxnote/estimate"
)

// Reduce applies one action to the state and returns the next state plus
// any resource effect the caller must carry out. It never performs I/O.
// Unknown or out-of-stage actions leave the state unchanged.
func Reduce(s State, a Action) (State, Effect) {
	switch act := a.(type) {
	case Reset:
		return NewState(), releaseOf(s.AudioURL, "")

	case SetFile:
		next := NewState()
		file := act.File
		next.AudioFile = &file
		next.AudioURL = act.AudioURL
		next.DurationSeconds = act.DurationSeconds
		next.EstimatedTime = act.EstimatedTime
		next.PrecisionPotential = act.Precision
		next.InitialPrecision = act.Precision
		next.FileSelected = true
		next.Err = act.Err
		return next, releaseOf(s.AudioURL, act.AudioURL)

	case FileError:
		next := NewState()
		next.Err = act.Err
		return next, releaseOf(s.AudioURL, "")

	case StartLanguageDetection:
		s.DetectingLanguage = true
		return s, Effect{}

	case SetLanguage:
		s.DetectingLanguage = false
		s.DetectedLanguage = act.Language
		// Detection failure is recoverable; record it without blocking
		// the rest of the flow
		s.Err = act.Err
		return s, Effect{}

	case StartProcessing:
		if s.AudioFile == nil {
			return s, Effect{}
		}
		s.RawTranscript = ""
		s.CleanedTranscript = ""
		s.AdvancedTranscript = ""
		s.AdvancedTitle = ""
		s.Err = ""
		s.ProcessingTime = ""
		s.Stage = StageTranscribing
		return s, Effect{}

	case UpdateRawTranscript:
		if s.Stage != StageTranscribing {
			return s, Effect{}
		}
		s.RawTranscript += act.Chunk
		s.PrecisionPotential = estimate.DynamicPrecision(s.RawTranscript, s.InitialPrecision)
		return s, Effect{}

	case FinalizeRawTranscript:
		// Recompute from the authoritative final text, not the last
		// incremental update; throttled chunk batching may have skipped
		// updates
		s.RawTranscript = act.Text
		s.PrecisionPotential = estimate.DynamicPrecision(act.Text, s.InitialPrecision)
		s.Stage = StageCleaning
		return s, Effect{}

	case UpdateCleanedTranscript:
		if s.Stage != StageCleaning {
			return s, Effect{}
		}
		s.CleanedTranscript += act.Chunk
		return s, Effect{}

	case FinalizeCleanedTranscript:
		s.CleanedTranscript = act.Text
		return s, Effect{}

	case CompleteProcessing:
		s.Stage = StageCompleted
		s.ProcessingTime = estimate.FormatProcessingTime(act.Elapsed)
		return s, Effect{}

	case ProcessingError:
		// The attempt is abandoned wholesale: partial streamed text is
		// discarded and the job returns to idle
		s.Stage = StageIdle
		s.RawTranscript = ""
		s.CleanedTranscript = ""
		s.Err = act.Err
		return s, Effect{}

	case SetOutputPreference:
		s.OutputPreference = act.Preference
		return s, Effect{}

	case ToggleExpanded:
		s.Expanded = !s.Expanded
		return s, Effect{}

	case LoadExisting:
		next := NewState()
		file := act.File
		next.AudioFile = &file
		next.AudioURL = act.AudioURL
		next.DurationSeconds = act.DurationSeconds
		next.DetectedLanguage = act.Language
		next.RawTranscript = act.RawText
		next.CleanedTranscript = act.CleanedText
		next.AdvancedTranscript = act.AdvancedText
		next.AdvancedTitle = act.AdvancedTitle
		next.CurrentTranscriptionID = act.TranscriptionID
		next.TranscriptionToUpdateID = act.TranscriptionID
		next.CurrentAudioID = act.AudioID
		next.FileSelected = true
		next.Stage = StageCompleted
		return next, releaseOf(s.AudioURL, act.AudioURL)

	case StartSaving:
		s.Saving = true
		s.Err = ""
		return s, Effect{}

	case FinishSaving:
		s.Saving = false
		if act.TranscriptionID != "" {
			s.CurrentTranscriptionID = act.TranscriptionID
		}
		if act.AudioID != "" {
			s.CurrentAudioID = act.AudioID
		}
		return s, Effect{}

	case SavingError:
		s.Saving = false
		s.Err = act.Err
		return s, Effect{}

	case StartRefining:
		if s.RawTranscript == "" {
			return s, Effect{}
		}
		s.Refining = true
		s.AdvancedTranscript = ""
		s.AdvancedTitle = ""
		s.Err = ""
		return s, Effect{}

	case UpdateAdvancedTranscript:
		if !s.Refining {
			return s, Effect{}
		}
		s.AdvancedTranscript += act.Chunk
		return s, Effect{}

	case FinishRefining:
		s.Refining = false
		s.AdvancedTitle = act.Title
		if act.TranscriptionID != "" {
			s.CurrentTranscriptionID = act.TranscriptionID
		}
		return s, Effect{}

	case RefiningError:
		s.Refining = false
		s.Err = act.Err
		return s, Effect{}

	case SetTranscriptionToUpdate:
		s.TranscriptionToUpdateID = act.ID
		return s, Effect{}

	case SetCurrentAudioID:
		s.CurrentAudioID = act.ID
		return s, Effect{}
	}

	return s, Effect{}
}

// releaseOf reports the outgoing URL when it differs from its replacement
func releaseOf(prev, next string) Effect {
	if prev != "" && prev != next {
		return Effect{ReleaseURL: prev}
	}
	return Effect{}
}
