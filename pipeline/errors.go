package pipeline

import (
	"context"
	"errors"
	"net"

	"voxnote/genai"
)

// User-facing failure messages. Low-level errors are mapped into this small
// fixed set at the driver boundary; raw error detail never reaches the
// state machine or the UI.
const (
	MsgQuotaExhausted  = "The transcription service is busy or your quota is exhausted. Please try again in a few minutes."
	MsgNetworkFailure  = "Could not reach the transcription service. Check your connection and try again."
	MsgUnreadableAudio = "This audio could not be processed. Try a different file or format."
	MsgGenericFailure  = "Something went wrong while processing your audio. Please try again."
	MsgDetectionFailed = "Could not detect the spoken language. You can still transcribe the audio."
	MsgSaveFailed      = "Your transcription could not be saved. Please try again."
	MsgAudioLinkFailed = "audio attachment could not be stored"

	// MsgUnreadableDuration is a non-blocking intake warning: the file is
	// still usable, but without time or precision estimates
	MsgUnreadableDuration = "Could not read the audio duration. Estimates are unavailable for this file."
)

// ErrFeatureLocked is returned when the quota gate refuses to start a new
// processing stage. The message is actionable, not technical.
var ErrFeatureLocked = errors.New("transcription limit reached; upgrade your plan to continue")

// ErrJobAbandoned is returned internally when a stream outlives the job it
// was feeding; its chunks are discarded silently.
var ErrJobAbandoned = errors.New("job abandoned")

// friendlyMessage maps a low-level failure to one of the fixed user-facing
// categories
func friendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 403:
			return MsgQuotaExhausted
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 413 || apiErr.StatusCode == 415:
			return MsgUnreadableAudio
		case apiErr.StatusCode >= 500:
			return MsgNetworkFailure
		}
		return MsgGenericFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return MsgNetworkFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MsgNetworkFailure
	}

	return MsgGenericFailure
}
