package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcriptions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	raw_text         TEXT NOT NULL DEFAULT '',
	cleaned_text     TEXT NOT NULL DEFAULT '',
	advanced_text    TEXT NOT NULL DEFAULT '',
	advanced_title   TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL DEFAULT '',
	duration_seconds REAL NOT NULL DEFAULT 0,
	audio_id         TEXT NOT NULL DEFAULT '',
	warning          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audio_recordings (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	mime_type        TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	data             BLOB,
	created_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audio_owner_created
	ON audio_recordings (owner_id, created_at);
`

// SQLiteStore is the local offline cache backed by an embedded SQLite
// database
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (and if necessary creates) the local cache database.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The modernc driver does not support concurrent writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("opened local cache", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTranscription inserts a new transcription record
func (s *SQLiteStore) CreateTranscription(ctx context.Context, t *Transcription) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcriptions
			(id, owner_id, title, raw_text, cleaned_text, advanced_text,
			 advanced_title, language, duration_seconds, audio_id, warning,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.OwnerID, t.Title, t.RawText, t.CleanedText, t.AdvancedText,
		t.AdvancedTitle, t.Language, t.DurationSeconds, t.AudioID, t.Warning,
		now, now,
	)
	if err != nil {
		s.logger.Error("failed to create transcription", "owner_id", t.OwnerID, "error", err)
		return "", fmt.Errorf("failed to create transcription: %w", err)
	}

	return id, nil
}

// UpdateTranscription applies a partial update to an existing record
func (s *SQLiteStore) UpdateTranscription(ctx context.Context, id string, upd TranscriptionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("title", upd.Title)
	add("raw_text", upd.RawText)
	add("cleaned_text", upd.CleanedText)
	add("advanced_text", upd.AdvancedText)
	add("advanced_title", upd.AdvancedTitle)
	add("audio_id", upd.AudioID)
	add("warning", upd.Warning)

	args = append(args, id)
	query := "UPDATE transcriptions SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to update transcription", "id", id, "error", err)
		return fmt.Errorf("failed to update transcription: %w", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscriptionByID fetches one transcription record
func (s *SQLiteStore) GetTranscriptionByID(ctx context.Context, id string) (*Transcription, error) {
	var t Transcription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, raw_text, cleaned_text, advanced_text,
		       advanced_title, language, duration_seconds, audio_id, warning,
		       created_at, updated_at
		FROM transcriptions WHERE id = ?`, id,
	).Scan(
		&t.ID, &t.OwnerID, &t.Title, &t.RawText, &t.CleanedText, &t.AdvancedText,
		&t.AdvancedTitle, &t.Language, &t.DurationSeconds, &t.AudioID, &t.Warning,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcription: %w", err)
	}
	return &t, nil
}

// AddAudioFile stores an audio blob and returns its id
func (s *SQLiteStore) AddAudioFile(ctx context.Context, rec *AudioRecording) (string, error) {
	id := uuid.NewString()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audio_recordings
			(id, owner_id, name, mime_type, size, duration_seconds, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.OwnerID, rec.Name, rec.MIMEType, rec.Size, rec.DurationSeconds,
		rec.Data, createdAt,
	)
	if err != nil {
		s.logger.Error("failed to store audio", "owner_id", rec.OwnerID, "name", rec.Name, "error", err)
		return "", fmt.Errorf("failed to store audio: %w", err)
	}

	return id, nil
}

// GetAudioRecording fetches one audio blob with metadata
func (s *SQLiteStore) GetAudioRecording(ctx context.Context, id string) (*AudioRecording, error) {
	var rec AudioRecording
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, mime_type, size, duration_seconds, data, created_at
		FROM audio_recordings WHERE id = ?`, id,
	).Scan(
		&rec.ID, &rec.OwnerID, &rec.Name, &rec.MIMEType, &rec.Size,
		&rec.DurationSeconds, &rec.Data, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio recording: %w", err)
	}
	return &rec, nil
}

// AudioFilesSince lists recording metadata created at or after the instant
func (s *SQLiteStore) AudioFilesSince(ctx context.Context, ownerID string, since time.Time) ([]AudioRecording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, mime_type, size, duration_seconds, created_at
		FROM audio_recordings
		WHERE owner_id = ? AND created_at >= ?
		ORDER BY created_at`, ownerID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audio recordings: %w", err)
	}
	defer rows.Close()

	var out []AudioRecording
	for rows.Next() {
		var rec AudioRecording
		if err := rows.Scan(
			&rec.ID, &rec.OwnerID, &rec.Name, &rec.MIMEType, &rec.Size,
			&rec.DurationSeconds, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audio recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAudioFiles counts all recordings stored for an owner
func (s *SQLiteStore) CountAudioFiles(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audio_recordings WHERE owner_id = ?`, ownerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audio recordings: %w", err)
	}
	return count, nil
}
