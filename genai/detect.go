package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxDetectionBytes bounds the audio sample sent inline for detection.
// The opening seconds are enough to identify the language.
const maxDetectionBytes = 512 * 1024

// DetectLanguage identifies the spoken language of an audio file. It sends
// a bounded sample of the file inline and expects a plain language name
// back. Callers should treat failure as recoverable and fall back to an
// indeterminate label.
func (c *Client) DetectLanguage(ctx context.Context, audioPath string, mimeType string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	sample := make([]byte, maxDetectionBytes)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sample = sample[:n]

	req := generateRequest{
		Contents: []content{
			{
				Parts: []part{
					{InlineData: &inlineData{
						MimeType: mimeType,
						Data:     base64.StdEncoding.EncodeToString(sample),
					}},
					{Text: "Identify the language spoken in this audio. " +
						"Answer with the English name of the language only, " +
						"for example: Portuguese. If no speech is present or " +
						"the language cannot be determined, answer: Indeterminate."},
				},
			},
		},
		GenerationConfig: &generateConfig{
			Temperature:     0,
			MaxOutputTokens: 16,
		},
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp.StatusCode, body)
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if genResp.Error != nil {
		return "", &APIError{
			StatusCode: genResp.Error.Code,
			Message:    genResp.Error.Message,
			Status:     genResp.Error.Status,
		}
	}

	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no language detected")
	}

	label := strings.TrimSpace(genResp.Candidates[0].Content.Parts[0].Text)
	label = strings.Trim(label, ".")
	if label == "" {
		return "", fmt.Errorf("empty detection result")
	}

	return label, nil
}
