// SPDX-License-Identifier: MIT

// Package catalog stores received recordings on the host: the blob as
// a file under the data directory, the metadata as a SQLite row the
// library surface can query.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/wiserhq/meetsync/internal/metrics"
	"github.com/wiserhq/meetsync/internal/transfer"
)

// ErrNotFound reports an id with no catalog row.
var ErrNotFound = errors.New("catalog: recording not found")

// Recording is one catalog row.
type Recording struct {
	ID         string
	Room       string
	Path       string
	SizeBytes  int64
	SHA256     string
	MimeType   string
	Duration   time.Duration
	RecordedAt time.Time
	ReceivedAt time.Time
}

// Catalog indexes received artifacts. Blobs live as files under
// <dataDir>/recordings, rows in <dataDir>/catalog.db.
type Catalog struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// Open prepares the recordings directory and the SQLite index.
// busy_timeout avoids "database locked" errors under concurrent reads.
func Open(dataDir string, logger zerolog.Logger) (*Catalog, error) {
	dir := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL",
		filepath.Join(dataDir, "catalog.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	c := &Catalog{db: db, dir: dir, logger: logger, now: time.Now}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		recorded_at TEXT,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_room ON recordings(room);
	CREATE INDEX IF NOT EXISTS idx_recordings_received ON recordings(received_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Store writes the artifact blob atomically and indexes it. It is the
// host session's artifact sink.
func (c *Catalog) Store(ctx context.Context, artifact transfer.Artifact) error {
	received := c.now().UTC()
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s%s",
		artifact.Header.SessionCode,
		received.Format("20060102-150405"),
		id[:8],
		extensionFor(artifact.Header.MimeType))
	path := filepath.Join(c.dir, name)

	if err := c.writeBlob(path, artifact.Data); err != nil {
		metrics.IncCatalogStore("failure")
		return err
	}

	digest := sha256.Sum256(artifact.Data)
	query := `
	INSERT INTO recordings (id, room, path, size_bytes, sha256, mime_type, duration_seconds, recorded_at, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		id,
		artifact.Header.SessionCode,
		path,
		int64(len(artifact.Data)),
		hex.EncodeToString(digest[:]),
		artifact.Header.MimeType,
		artifact.Header.Duration,
		artifact.Header.RecordedAt,
		received.Format(time.RFC3339),
	)
	if err != nil {
		// Keep disk and index consistent.
		if rmErr := os.Remove(path); rmErr != nil {
			c.logger.Warn().Err(rmErr).Str("path", path).Msg("orphaned artifact file")
		}
		metrics.IncCatalogStore("failure")
		return fmt.Errorf("index recording: %w", err)
	}

	metrics.IncCatalogStore("success")
	c.logger.Info().
		Str("event", "catalog.stored").
		Str("id", id).
		Str("room", artifact.Header.SessionCode).
		Str("path", path).
		Int("bytes", len(artifact.Data)).
		Msg("recording stored")
	return nil
}

// writeBlob writes atomically: fsync before rename, temp file cleaned
// up on error.
func (c *Catalog) writeBlob(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending recording file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			c.logger.Debug().Err(err).Msg("cleanup pending recording file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write recording data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace recording file: %w", err)
	}
	return nil
}

// List returns all recordings, newest first.
func (c *Catalog) List(ctx context.Context) ([]Recording, error) {
	query := `
	SELECT id, room, path, size_bytes, sha256, mime_type, duration_seconds, recorded_at, received_at
	FROM recordings
	ORDER BY received_at DESC, id
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Recording
	for rows.Next() {
		rec, err := scanRecording(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Get retrieves a single recording by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Recording, error) {
	query := `
	SELECT id, room, path, size_bytes, sha256, mime_type, duration_seconds, recorded_at, received_at
	FROM recordings
	WHERE id = ?
	`
	rec, err := scanRecording(c.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecording(scan func(dest ...any) error) (Recording, error) {
	var rec Recording
	var durationSec float64
	var recordedAt, receivedAt string
	err := scan(&rec.ID, &rec.Room, &rec.Path, &rec.SizeBytes, &rec.SHA256,
		&rec.MimeType, &durationSec, &recordedAt, &receivedAt)
	if err != nil {
		return Recording{}, err
	}
	rec.Duration = time.Duration(durationSec * float64(time.Second))
	if t, perr := time.Parse(time.RFC3339, recordedAt); perr == nil {
		rec.RecordedAt = t
	}
	if t, perr := time.Parse(time.RFC3339, receivedAt); perr == nil {
		rec.ReceivedAt = t
	}
	return rec, nil
}

func extensionFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/webm"), strings.HasPrefix(mime, "video/webm"):
		return ".webm"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "audio/mp4"), strings.HasPrefix(mime, "video/mp4"):
		return ".mp4"
	default:
		return ".bin"
	}
}
