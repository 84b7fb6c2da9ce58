package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transcriptions (
	id               UUID PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	raw_text         TEXT NOT NULL DEFAULT '',
	cleaned_text     TEXT NOT NULL DEFAULT '',
	advanced_text    TEXT NOT NULL DEFAULT '',
	advanced_title   TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	audio_id         TEXT NOT NULL DEFAULT '',
	warning          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audio_recordings (
	id               UUID PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	mime_type        TEXT NOT NULL DEFAULT '',
	size             BIGINT NOT NULL DEFAULT 0,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	data             BYTEA,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audio_owner_created
	ON audio_recordings (owner_id, created_at);
`

// PostgresStore is the hosted record store backed by a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresConfig tunes the connection pool
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// OpenPostgres creates the pool, verifies connectivity and ensures the
// schema exists
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database config", "error", err)
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "voxnote"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		logger.Error("failed to ensure schema", "error", err)
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("connected to record store")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.pool.Ping(ctx)
}

// CreateTranscription inserts a new transcription record
func (s *PostgresStore) CreateTranscription(ctx context.Context, t *Transcription) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcriptions
			(id, owner_id, title, raw_text, cleaned_text, advanced_text,
			 advanced_title, language, duration_seconds, audio_id, warning,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
func (s *PostgresStore) UpdateTranscription(ctx context.Context, id string, upd TranscriptionUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []interface{}{time.Now().UTC()}

	add := func(column string, v *string) {
		if v != nil {
			args = append(args, *v)
			sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
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
	query := fmt.Sprintf("UPDATE transcriptions SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to update transcription", "id", id, "error", err)
		return fmt.Errorf("failed to update transcription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscriptionByID fetches one transcription record
func (s *PostgresStore) GetTranscriptionByID(ctx context.Context, id string) (*Transcription, error) {
	var t Transcription
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, raw_text, cleaned_text, advanced_text,
		       advanced_title, language, duration_seconds, audio_id, warning,
		       created_at, updated_at
		FROM transcriptions WHERE id = $1`, id,
	).Scan(
		&t.ID, &t.OwnerID, &t.Title, &t.RawText, &t.CleanedText, &t.AdvancedText,
		&t.AdvancedTitle, &t.Language, &t.DurationSeconds, &t.AudioID, &t.Warning,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcription: %w", err)
	}
	return &t, nil
}

// AddAudioFile stores an audio blob and returns its id
func (s *PostgresStore) AddAudioFile(ctx context.Context, rec *AudioRecording) (string, error) {
	id := uuid.NewString()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audio_recordings
			(id, owner_id, name, mime_type, size, duration_seconds, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
func (s *PostgresStore) GetAudioRecording(ctx context.Context, id string) (*AudioRecording, error) {
	var rec AudioRecording
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, mime_type, size, duration_seconds, data, created_at
		FROM audio_recordings WHERE id = $1`, id,
	).Scan(
		&rec.ID, &rec.OwnerID, &rec.Name, &rec.MIMEType, &rec.Size,
		&rec.DurationSeconds, &rec.Data, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio recording: %w", err)
	}
	return &rec, nil
}

// AudioFilesSince lists recording metadata created at or after the instant
func (s *PostgresStore) AudioFilesSince(ctx context.Context, ownerID string, since time.Time) ([]AudioRecording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, mime_type, size, duration_seconds, created_at
		FROM audio_recordings
		WHERE owner_id = $1 AND created_at >= $2
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
func (s *PostgresStore) CountAudioFiles(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audio_recordings WHERE owner_id = $1`, ownerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audio recordings: %w", err)
	}
	return count, nil
}
