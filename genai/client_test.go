package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testAudioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memo.mp3")
	if err := os.WriteFile(path, []byte("fake audio bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sseEvent(text string) string {
	return fmt.Sprintf("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", text)
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Error("empty API key accepted")
	}

	c, err := NewClient("test-key", WithModel("custom-model"), WithBaseURL("http://localhost:9999"))
	if err != nil {
		t.Fatal(err)
	}
	if c.model != "custom-model" {
		t.Errorf("model = %q", c.model)
	}
	if c.baseURL != "http://localhost:9999" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

func TestWithBaseURLRejectsInvalid(t *testing.T) {
	c, err := NewClient("test-key", WithBaseURL("not a url"), WithBaseURL("ftp://host"))
	if err != nil {
		t.Fatal(err)
	}
	if c.baseURL != BaseURL {
		t.Errorf("baseURL = %q, invalid URL accepted", c.baseURL)
	}
}

func TestStreamText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Error("alt=sse missing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("Ol"))
		io.WriteString(w, ": keepalive comment\n\n")
		io.WriteString(w, sseEvent("á mundo"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamText(context.Background(), "clean this up")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var got []string
	for {
		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, frag)
	}

	if len(got) != 2 || got[0] != "Ol" || got[1] != "á mundo" {
		t.Errorf("fragments = %v", got)
	}

	// A finished stream stays finished
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after EOF = %v, want io.EOF", err)
	}
}

func TestStreamTextClientErrorNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.StreamText(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.StatusCode != 429 || apiErr.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if calls != 1 {
		t.Errorf("client error retried %d times", calls)
	}
}

func TestStreamRetriesServerError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("recovered"))
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamText(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("transient server error not retried: %v", err)
	}
	defer stream.Close()

	frag, err := stream.Next()
	if err != nil || frag != "recovered" {
		t.Fatalf("Next = %q, %v", frag, err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
	if calls != 2 {
		t.Errorf("server reached %d times, want initial attempt plus one retry", calls)
	}
}

func TestStreamEmbeddedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("partial"))
		io.WriteString(w, "data: {\"error\":{\"code\":500,\"message\":\"internal\",\"status\":\"INTERNAL\"}}\n\n")
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamText(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if frag, err := stream.Next(); err != nil || frag != "partial" {
		t.Fatalf("first fragment = %q, %v", frag, err)
	}

	_, err = stream.Next()
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("err = %v, want embedded APIError 500", err)
	}
}

func TestStreamTranscription(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Upload-Command") == "start" {
			w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/resumable")
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("unexpected upload command %q", r.Header.Get("X-Goog-Upload-Command"))
	})

	mux.HandleFunc("/resumable", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Upload-Command") != "upload, finalize" {
			t.Errorf("finalize command = %q", r.Header.Get("X-Goog-Upload-Command"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "fake audio bytes" {
			t.Error("uploaded bytes do not match the file")
		}
		io.WriteString(w, `{"file":{"name":"files/abc123","uri":"https://example.test/v1beta/files/abc123","state":"PROCESSING"}}`)
	})

	mux.HandleFunc("/v1beta/files/abc123", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"files/abc123","state":"ACTIVE"}`)
	})

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "abc123") {
			t.Error("generation request does not reference the uploaded file")
		}
		if !strings.Contains(string(body), "Portuguese") {
			t.Error("generation request does not carry the language hint")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("Olá mundo"))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamTranscription(context.Background(), testAudioFile(t), "Portuguese")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	frag, err := stream.Next()
	if err != nil || frag != "Olá mundo" {
		t.Fatalf("fragment = %q, %v", frag, err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestDetectLanguage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "inlineData") {
			t.Error("detection request does not send an inline sample")
		}
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Portuguese.\n"}]}}]}`)
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	label, err := client.DetectLanguage(context.Background(), testAudioFile(t), "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	if label != "Portuguese" {
		t.Errorf("label = %q, want trimmed language name", label)
	}
}

func TestDetectLanguageAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"bad audio","status":"INVALID_ARGUMENT"}}`)
	}))
	defer server.Close()

	client, err := NewClient("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.DetectLanguage(context.Background(), testAudioFile(t), "audio/mpeg")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Errorf("err = %v, want *APIError 400", err)
	}
}

func TestUploadAudioRejectsOversizedFile(t *testing.T) {
	client, err := NewClient("test-key")
	if err != nil {
		t.Fatal(err)
	}

	// Stat-based check happens before any network call
	path := filepath.Join(t.TempDir(), "big.mp3")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxFileSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, _, err := client.UploadAudio(context.Background(), path); err == nil {
		t.Fatal("oversized upload accepted")
	}
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(500, []byte("plain text failure"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Message != "plain text failure" {
		t.Errorf("APIError = %+v", apiErr)
	}
}
