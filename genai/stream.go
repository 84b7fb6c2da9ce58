package genai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TextStream is a finite, non-restartable sequence of text fragments
// produced by a streaming generation call. Next returns io.EOF after the
// final fragment; any other error is a hard failure for the stage that
// consumes the stream. Callers must call Close when done.
type TextStream interface {
	Next() (string, error)
	Close() error
}

// sseStream reads server-sent events from a streaming generation response
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
}

// Next returns the next non-empty text fragment from the stream
func (s *sseStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var resp generateResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			s.err = fmt.Errorf("failed to parse stream event: %w", err)
			return "", s.err
		}

		if resp.Error != nil {
			s.err = &APIError{
				StatusCode: resp.Error.Code,
				Message:    resp.Error.Message,
				Status:     resp.Error.Status,
			}
			return "", s.err
		}

		var frag strings.Builder
		for _, cand := range resp.Candidates {
			for _, p := range cand.Content.Parts {
				frag.WriteString(p.Text)
			}
		}
		if frag.Len() > 0 {
			return frag.String(), nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("stream read error: %w", err)
		return "", s.err
	}

	s.err = io.EOF
	return "", io.EOF
}

// Close releases the underlying response body
func (s *sseStream) Close() error {
	return s.body.Close()
}

// streamGenerate opens a streaming generation call and returns the fragment
// stream. Transient server errors are retried with backoff before giving up.
func (c *Client) streamGenerate(ctx context.Context, req generateRequest) (TextStream, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, c.model, c.apiKey)

	backoff := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	var lastErr error

	for attempt := 0; attempt <= len(backoff); attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("API request failed: %w", err)
		} else if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = parseAPIError(resp.StatusCode, body)

			// Client errors are not retryable
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
		} else {
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			return &sseStream{body: resp.Body, scanner: scanner}, nil
		}

		if attempt < len(backoff) {
			if c.debug {
				fmt.Printf("[DEBUG] Retry %d after %v: %v\n", attempt+1, backoff[attempt], lastErr)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff[attempt]):
			}
		}
	}

	return nil, fmt.Errorf("streaming request failed after retries: %w", lastErr)
}

// StreamTranscription uploads the audio file and streams its literal
// transcript. The language hint may be empty for auto detection.
func (c *Client) StreamTranscription(ctx context.Context, audioPath string, language string) (TextStream, error) {
	fileURI, mimeType, err := c.UploadAudio(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}

	prompt := "Transcribe all spoken content in this audio literally, word for word. " +
		"Mark segments you cannot make out as [inaudible]. " +
		"Output only the transcript text, with no commentary."
	if language != "" && language != "Indeterminate" {
		prompt += " The audio is in " + language + "."
	}

	req := generateRequest{
		Contents: []content{
			{
				Parts: []part{
					{FileData: &fileData{MimeType: mimeType, FileURI: fileURI}},
					{Text: prompt},
				},
			},
		},
		GenerationConfig: &generateConfig{
			Temperature:     0.1,
			MaxOutputTokens: 8192,
		},
	}

	return c.streamGenerate(ctx, req)
}

// StreamText streams a text-in/text-out generation (cleaning, refinement)
func (c *Client) StreamText(ctx context.Context, prompt string) (TextStream, error) {
	req := generateRequest{
		Contents: []content{
			{
				Parts: []part{{Text: prompt}},
			},
		},
		GenerationConfig: &generateConfig{
			Temperature:     0.3,
			MaxOutputTokens: 8192,
		},
	}

	return c.streamGenerate(ctx, req)
}
