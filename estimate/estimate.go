// Package estimate provides heuristics for predicting how long a
// transcription will take and how accurate it is likely to be. The dynamic
// precision score decays as the transcript reveals inaudible segments.
package estimate

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// InaudibleMarker is the tag the transcription model emits for
	// segments it could not make out
	InaudibleMarker = "[inaudible]"

	// PrecisionFloor is the lowest dynamic precision score
	PrecisionFloor = 40

	// PrecisionDecayStep is the penalty per inaudible marker
	PrecisionDecayStep = 3
)

// EstimateProcessingTime returns a human readable estimate of how long
// processing an audio file of the given duration will take. Longer audio
// never yields a shorter estimate.
func EstimateProcessingTime(durationSeconds float64) string {
	switch {
	case durationSeconds <= 0:
		return "a few seconds"
	case durationSeconds < 60:
		return "under 30 seconds"
	case durationSeconds < 300:
		return "about a minute"
	case durationSeconds < 900:
		return "2 to 5 minutes"
	case durationSeconds < 1800:
		return "5 to 10 minutes"
	default:
		return "over 10 minutes"
	}
}

// EstimatePrecisionPotential returns an initial confidence score in [0,100]
// for a file, based on what its extension suggests about audio quality.
// The score is deterministic for a given filename.
func EstimatePrecisionPotential(filename string) int {
	ext := strings.ToLower(filepath.Ext(filename))

	score := 80
	switch ext {
	case ".wav", ".flac":
		score = 95
	case ".m4a", ".mp3", ".aac", ".ogg":
		score = 88
	case ".opus", ".webm":
		score = 84
	case ".wma":
		score = 78
	case ".amr":
		score = 70
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// DynamicPrecision recomputes the precision score from the full transcript
// accumulated so far. It is always derived from scratch, never decremented,
// so repeated calls with the same text give the same answer.
func DynamicPrecision(transcript string, initialPrecision int) int {
	count := strings.Count(strings.ToLower(transcript), InaudibleMarker)
	precision := initialPrecision - PrecisionDecayStep*count
	if precision < PrecisionFloor {
		precision = PrecisionFloor
	}
	return precision
}

// FormatProcessingTime formats an elapsed wall-clock duration
func FormatProcessingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return "under a second"
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
