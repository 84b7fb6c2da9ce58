// Package store defines the record-store contract the transcription
// workflow persists into, with two implementations: a local SQLite cache
// for offline use and a Postgres store for the hosted backend.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Transcription is a persisted transcription record
type Transcription struct {
	ID              string
	OwnerID         string
	Title           string
	RawText         string
	CleanedText     string
	AdvancedText    string
	AdvancedTitle   string
	Language        string
	DurationSeconds float64
	AudioID         string

	// Warning annotates non-fatal persistence problems, such as a failed
	// audio link, so they stay discoverable later
	Warning string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AudioRecording is a stored audio blob with metadata
type AudioRecording struct {
	ID              string
	OwnerID         string
	Name            string
	MIMEType        string
	Size            int64
	DurationSeconds float64
	Data            []byte
	CreatedAt       time.Time
}

// TranscriptionUpdate carries partial field updates; nil fields are left
// untouched
type TranscriptionUpdate struct {
	Title         *string
	RawText       *string
	CleanedText   *string
	AdvancedText  *string
	AdvancedTitle *string
	AudioID       *string
	Warning       *string
}

// RecordStore is the persistence collaborator consumed by the workflow
// driver and the usage accounting
type RecordStore interface {
	CreateTranscription(ctx context.Context, t *Transcription) (string, error)
	UpdateTranscription(ctx context.Context, id string, upd TranscriptionUpdate) error
	GetTranscriptionByID(ctx context.Context, id string) (*Transcription, error)

	// AddAudioFile stores the binary and returns the new record id
	AddAudioFile(ctx context.Context, rec *AudioRecording) (string, error)
	GetAudioRecording(ctx context.Context, id string) (*AudioRecording, error)

	// AudioFilesSince lists recording metadata (no blobs) created at or
	// after the given instant, for usage accounting
	AudioFilesSince(ctx context.Context, ownerID string, since time.Time) ([]AudioRecording, error)
	CountAudioFiles(ctx context.Context, ownerID string) (int, error)

	Close() error
}

// StrPtr is a convenience helper for building partial updates
func StrPtr(s string) *string {
	return &s
}
