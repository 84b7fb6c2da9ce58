// Package genai provides a Go client for a Gemini-style generative AI API,
// covering the three invocation shapes the transcription workflow needs:
// audio-in/text-out streaming (transcription), text-in/text-out streaming
// (cleaning, refinement) and one-shot language detection.
package genai

import "fmt"

// API types for file upload
type uploadInitResponse struct {
	File struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		MimeType    string `json:"mimeType"`
		SizeBytes   string `json:"sizeBytes"`
		State       string `json:"state"`
		URI         string `json:"uri"`
	} `json:"file"`
}

type fileStatusResponse struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
	URI      string `json:"uri"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// API types for content generation
type content struct {
	Parts []part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type fileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // Base64 encoded payload
}

type generateRequest struct {
	Contents         []content       `json:"contents"`
	GenerationConfig *generateConfig `json:"generationConfig,omitempty"`
}

type generateConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *apiErrorBody `json:"error,omitempty"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// APIError represents an error response from the generative AI API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Status     string `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Message
}
