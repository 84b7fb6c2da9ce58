package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxnote/audio"
)

const (
	// BaseURL is the generative AI API base URL
	BaseURL = "https://generativelanguage.googleapis.com"

	// DefaultModel is used when GEMINI_MODEL is not set
	DefaultModel = "gemini-2.0-flash"

	// DefaultTimeout for API requests (long audio can take time)
	DefaultTimeout = 10 * time.Minute

	// MaxFileSize is the maximum upload size (100MB)
	MaxFileSize = 100 * 1024 * 1024
)

// Client is the generative AI API client
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	debug      bool
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return
		}
		if parsed.Host == "" {
			return
		}
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithModel sets the model ID
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithDebug enables debug logging
func WithDebug(debug bool) ClientOption {
	return func(c *Client) {
		c.debug = debug
	}
}

// NewClient creates a new generative AI API client
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	c := &Client{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: BaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// NewClientFromEnv creates a client using the GEMINI_API_KEY environment
// variable, honoring GEMINI_MODEL and VOXNOTE_DEBUG
func NewClientFromEnv(opts ...ClientOption) (*Client, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	base := []ClientOption{
		WithModel(os.Getenv("GEMINI_MODEL")),
		WithDebug(os.Getenv("VOXNOTE_DEBUG") != ""),
	}
	return NewClient(apiKey, append(base, opts...)...)
}

// CheckConfig validates that the API is configured
func CheckConfig() error {
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("GEMINI_API_KEY not set")
	}
	return nil
}

// GetAPIKeyHelp returns help text for setting up the API key
func GetAPIKeyHelp() string {
	return `To transcribe audio, you need a Google Gemini API key.

Setup:
  1. Go to https://aistudio.google.com/apikey
  2. Create an API key
  3. Set the environment variable:

     export GEMINI_API_KEY="your-api-key"

  Or add it to your .env file.

Optional:
  GEMINI_MODEL  - Model to use (default: gemini-2.0-flash)`
}

// UploadAudio uploads an audio file via the resumable upload API and waits
// until it is processed. Returns the file URI and MIME type to reference in
// generation requests.
func (c *Client) UploadAudio(ctx context.Context, audioPath string) (fileURI string, mimeType string, err error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to access file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return "", "", fmt.Errorf("file size %d exceeds maximum %d bytes", info.Size(), MaxFileSize)
	}

	mimeType = audio.MIMETypeFor(audioPath)
	displayName := filepath.Base(audioPath)

	fileContent, err := os.ReadFile(audioPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}

	if c.debug {
		fmt.Printf("[DEBUG] Uploading file: %s (%d bytes, %s)\n", displayName, info.Size(), mimeType)
	}

	uploadURL := fmt.Sprintf("%s/upload/v1beta/files?key=%s", c.baseURL, c.apiKey)

	initReqBody := map[string]interface{}{
		"file": map[string]string{
			"display_name": displayName,
		},
	}
	initJSON, _ := json.Marshal(initReqBody)

	initReq, err := http.NewRequestWithContext(ctx, "POST", uploadURL, bytes.NewBuffer(initJSON))
	if err != nil {
		return "", "", fmt.Errorf("failed to create init request: %w", err)
	}

	initReq.Header.Set("Content-Type", "application/json")
	initReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	initReq.Header.Set("X-Goog-Upload-Command", "start")
	initReq.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", info.Size()))
	initReq.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	initResp, err := c.httpClient.Do(initReq)
	if err != nil {
		return "", "", fmt.Errorf("failed to init upload: %w", err)
	}
	defer initResp.Body.Close()

	if initResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(initResp.Body)
		return "", "", parseAPIError(initResp.StatusCode, body)
	}

	resumableURL := initResp.Header.Get("X-Goog-Upload-URL")
	if resumableURL == "" {
		return "", "", fmt.Errorf("no upload URL in response")
	}

	uploadReq, err := http.NewRequestWithContext(ctx, "POST", resumableURL, bytes.NewBuffer(fileContent))
	if err != nil {
		return "", "", fmt.Errorf("failed to create upload request: %w", err)
	}

	uploadReq.Header.Set("Content-Type", mimeType)
	uploadReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	uploadReq.Header.Set("X-Goog-Upload-Offset", "0")

	uploadResp, err := c.httpClient.Do(uploadReq)
	if err != nil {
		return "", "", fmt.Errorf("failed to upload file: %w", err)
	}
	defer uploadResp.Body.Close()

	uploadBody, err := io.ReadAll(uploadResp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read upload response: %w", err)
	}

	if uploadResp.StatusCode != http.StatusOK {
		return "", "", parseAPIError(uploadResp.StatusCode, uploadBody)
	}

	var uploadResult uploadInitResponse
	if err := json.Unmarshal(uploadBody, &uploadResult); err != nil {
		return "", "", fmt.Errorf("failed to parse upload response: %w", err)
	}

	if err := c.waitForFileProcessing(ctx, uploadResult.File.URI); err != nil {
		return "", "", err
	}

	return uploadResult.File.URI, mimeType, nil
}

// waitForFileProcessing polls until the uploaded file is ready
func (c *Client) waitForFileProcessing(ctx context.Context, fileURI string) error {
	parts := strings.Split(fileURI, "/")
	if len(parts) < 2 {
		return fmt.Errorf("invalid file URI: %s", fileURI)
	}
	fileName := parts[len(parts)-1]

	statusURL := fmt.Sprintf("%s/v1beta/files/%s?key=%s", c.baseURL, fileName, c.apiKey)

	timeout := time.After(5 * time.Minute)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for file processing")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, "GET", statusURL, nil)
			if err != nil {
				return fmt.Errorf("failed to create status request: %w", err)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				if c.debug {
					fmt.Printf("[DEBUG] Status check failed: %v\n", err)
				}
				continue
			}

			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				continue
			}

			var status fileStatusResponse
			if err := json.Unmarshal(body, &status); err != nil {
				continue
			}

			if status.Error != nil {
				return fmt.Errorf("file processing error: %s", status.Error.Message)
			}

			switch status.State {
			case "ACTIVE":
				return nil
			case "FAILED":
				return fmt.Errorf("file processing failed")
			}
		}
	}
}

// parseAPIError converts an error response body into a typed APIError
func parseAPIError(statusCode int, body []byte) error {
	var wrapped struct {
		Error *apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		return &APIError{
			StatusCode: statusCode,
			Message:    wrapped.Error.Message,
			Status:     wrapped.Error.Status,
		}
	}
	return &APIError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
