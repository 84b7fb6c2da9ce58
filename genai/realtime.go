package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RealtimeWebSocketURL is the realtime speech-to-text WebSocket endpoint
	RealtimeWebSocketURL = "wss://generativelanguage.googleapis.com/v1beta/audio:transcribe"

	// DefaultSampleRate for realtime transcription
	DefaultSampleRate = 16000

	// DefaultEncoding for audio input
	DefaultEncoding = "pcm_s16le"
)

// RealtimeConfig configures a WebSocket realtime transcription session.
// This backs the in-browser "record audio" path: microphone chunks go up,
// transcript fragments come back while the user is still speaking.
type RealtimeConfig struct {
	Language   string
	SampleRate int
	Encoding   string

	// Endpoint overrides the default WebSocket endpoint (used in tests)
	Endpoint string

	// OnTranscript is called for each transcript segment; isFinal marks
	// non-interim results
	OnTranscript func(text string, isFinal bool)

	// OnError is called when the session fails
	OnError func(err error)
}

// RealtimeClient handles WebSocket-based realtime transcription
type RealtimeClient struct {
	apiKey    string
	endpoint  string
	config    *RealtimeConfig
	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	closed    bool
	debug     bool
}

type realtimeInitMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type realtimeAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // Base64 encoded audio
}

type realtimeTranscript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type realtimeResponse struct {
	Type       string              `json:"type"`
	Transcript *realtimeTranscript `json:"transcript,omitempty"`
	Error      *APIError           `json:"error,omitempty"`
}

// NewRealtimeClient creates a new realtime transcription client
func NewRealtimeClient(apiKey string, config *RealtimeConfig, debug bool) (*RealtimeClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	if config == nil {
		config = &RealtimeConfig{}
	}
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.Encoding == "" {
		config.Encoding = DefaultEncoding
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = RealtimeWebSocketURL
	}

	return &RealtimeClient{
		apiKey:   apiKey,
		endpoint: endpoint,
		config:   config,
		debug:    debug,
	}, nil
}

// SetEndpoint overrides the WebSocket endpoint (for testing)
func (c *RealtimeClient) SetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = endpoint
}

// Connect establishes the WebSocket connection and sends the init message
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	url := fmt.Sprintf("%s?key=%s", c.endpoint, c.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("WebSocket connection failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("WebSocket connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	initMsg := realtimeInitMessage{
		Type:       "init",
		Language:   c.config.Language,
		SampleRate: c.config.SampleRate,
		Encoding:   c.config.Encoding,
	}

	if err := c.conn.WriteJSON(initMsg); err != nil {
		c.closeLocked()
		return fmt.Errorf("failed to send init message: %w", err)
	}

	go c.readResponses()

	return nil
}

// readResponses handles incoming WebSocket messages
func (c *RealtimeClient) readResponses() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()

		if closed || conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			isClosed := c.closed
			onError := c.config.OnError
			c.mu.Unlock()

			if onError != nil && !isClosed {
				onError(fmt.Errorf("WebSocket read error: %w", err))
			}
			return
		}

		if c.debug {
			fmt.Printf("[DEBUG] Received: %s\n", string(message))
		}

		var resp realtimeResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			if c.config.OnError != nil {
				c.config.OnError(fmt.Errorf("failed to parse response: %w", err))
			}
			continue
		}

		switch resp.Type {
		case "transcript":
			if c.config.OnTranscript != nil && resp.Transcript != nil {
				c.config.OnTranscript(resp.Transcript.Text, resp.Transcript.IsFinal)
			}
		case "error":
			if c.config.OnError != nil && resp.Error != nil {
				c.config.OnError(resp.Error)
			}
		}
	}
}

// SendAudio sends one chunk of audio data for transcription
func (c *RealtimeClient) SendAudio(audioData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	msg := realtimeAudioMessage{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(audioData),
	}

	return c.conn.WriteJSON(msg)
}

// StreamReader streams captured audio from an io.Reader, paced to the
// real-time rate of the configured encoding
func (c *RealtimeClient) StreamReader(ctx context.Context, reader io.Reader) error {
	const bytesPerSample = 2
	const chunkDurationMs = 100

	sampleRate := c.config.SampleRate
	chunkSize := (sampleRate * bytesPerSample * chunkDurationMs) / 1000
	buffer := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := reader.Read(buffer)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		if n > 0 {
			if err := c.SendAudio(buffer[:n]); err != nil {
				return fmt.Errorf("send error: %w", err)
			}

			actualDuration := time.Duration(n) * time.Second / time.Duration(sampleRate*bytesPerSample)
			if actualDuration > 0 {
				time.Sleep(actualDuration)
			}
		}
	}
}

// Flush signals the end of audio input
func (c *RealtimeClient) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	return c.conn.WriteJSON(map[string]string{"type": "flush"})
}

// Close closes the WebSocket connection
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *RealtimeClient) closeLocked() error {
	c.closed = true
	c.connected = false

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns whether the client is connected
func (c *RealtimeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RecordingStream adapts a realtime session into the TextStream shape the
// workflow driver consumes: final transcript fragments arrive in order and
// the stream ends when the session closes.
type RecordingStream struct {
	fragments chan string
	errs      chan error
	closeFn   func() error
	closeOnce sync.Once
}

// NewRecordingStream connects a realtime session and exposes its final
// fragments as a TextStream. The caller feeds audio with client.SendAudio
// or client.StreamReader and calls client.Flush followed by client.Close
// when recording stops.
func NewRecordingStream(ctx context.Context, apiKey string, config *RealtimeConfig) (*RecordingStream, *RealtimeClient, error) {
	if config == nil {
		config = &RealtimeConfig{}
	}

	rs := &RecordingStream{
		fragments: make(chan string, 64),
		errs:      make(chan error, 1),
	}

	userTranscript := config.OnTranscript
	config.OnTranscript = func(text string, isFinal bool) {
		if userTranscript != nil {
			userTranscript(text, isFinal)
		}
		if isFinal {
			select {
			case rs.fragments <- text:
			default:
			}
		}
	}

	userErr := config.OnError
	config.OnError = func(err error) {
		if userErr != nil {
			userErr(err)
		}
		select {
		case rs.errs <- err:
		default:
		}
		rs.closeOnce.Do(func() { close(rs.fragments) })
	}

	client, err := NewRealtimeClient(apiKey, config, false)
	if err != nil {
		return nil, nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}

	rs.closeFn = func() error {
		rs.closeOnce.Do(func() { close(rs.fragments) })
		return client.Close()
	}

	return rs, client, nil
}

// Next returns the next final fragment, io.EOF when the session ended, or
// the session error when it failed
func (s *RecordingStream) Next() (string, error) {
	frag, ok := <-s.fragments
	if !ok {
		select {
		case err := <-s.errs:
			return "", err
		default:
			return "", io.EOF
		}
	}
	return frag, nil
}

// Close ends the session
func (s *RecordingStream) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
