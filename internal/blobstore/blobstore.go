// SPDX-License-Identifier: MIT

// Package blobstore is the durable safety net for recorded artifacts.
// A recording is saved here before transfer and cleared only after the
// transfer engine observes success, so a crash or failed transfer never
// loses the only copy.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/metrics"
)

// ErrNotFound reports an empty store or an unknown key.
var ErrNotFound = errors.New("blobstore: not found")

const (
	recPrefix  = "rec:"
	metaPrefix = "meta:"
)

// Info describes a saved recording.
type Info struct {
	MimeType    string
	SessionCode string
	Duration    time.Duration
	RecordedAt  time.Time
}

// Entry is a recovered recording.
type Entry struct {
	Key     string
	Data    []byte
	Info    Info
	SavedAt time.Time
}

// blobMeta is the stored metadata envelope.
type blobMeta struct {
	MimeType    string    `json:"mimeType"`
	SessionCode string    `json:"sessionCode"`
	DurationSec float64   `json:"duration"`
	RecordedAt  time.Time `json:"recordedAt"`
	SavedAt     time.Time `json:"savedAt"`
}

// Store persists recording blobs under monotonic keys.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger

	mu   sync.Mutex
	last int64
	seq  uint64
}

// Open opens (or creates) the store at dir. Writes are synchronous:
// Save does not return before the blob is on stable storage.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// nextKey issues a strictly increasing key even when the clock stalls
// or steps backwards.
func (s *Store) nextKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	s.seq++
	return fmt.Sprintf("%s%020d:%06d", recPrefix, now, s.seq%1000000)
}

func metaKeyFor(recKey string) string {
	return metaPrefix + strings.TrimPrefix(recKey, recPrefix)
}

// Save persists blob and its metadata, returning the assigned key. The
// blob is recoverable across restarts once Save returns.
func (s *Store) Save(ctx context.Context, blob []byte, info Info) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := s.nextKey()
	meta := blobMeta{
		MimeType:    info.MimeType,
		SessionCode: info.SessionCode,
		DurationSec: info.Duration.Seconds(),
		RecordedAt:  info.RecordedAt.UTC(),
		SavedAt:     time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metrics.IncBlobSave("failed")
		return "", fmt.Errorf("encode blob metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), blob); err != nil {
			return err
		}
		return txn.Set([]byte(metaKeyFor(key)), metaJSON)
	})
	if err != nil {
		metrics.IncBlobSave("failed")
		return "", fmt.Errorf("save blob: %w", err)
	}

	metrics.IncBlobSave("ok")
	s.logger.Info().
		Str("event", "blobstore.saved").
		Str("key", key).
		Int("bytes", len(blob)).
		Str("session_code", info.SessionCode).
		Msg("recording persisted")
	return key, nil
}

// LoadLatest returns the entry with the greatest key, or ErrNotFound.
func (s *Store) LoadLatest(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse-seek just past the prefix space lands on the newest key.
		it.Seek([]byte(recPrefix + "\xff"))
		if !it.ValidForPrefix([]byte(recPrefix)) {
			return ErrNotFound
		}
		key = string(it.Item().Key())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, key)
}

// Load returns the entry stored under key.
func (s *Store) Load(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &Entry{Key: key}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			entry.Data = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		metaItem, err := txn.Get([]byte(metaKeyFor(key)))
		if err != nil {
			// A blob without its envelope is still recoverable.
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return metaItem.Value(func(val []byte) error {
			var meta blobMeta
			if err := json.Unmarshal(val, &meta); err != nil {
				return fmt.Errorf("decode blob metadata: %w", err)
			}
			entry.Info = Info{
				MimeType:    meta.MimeType,
				SessionCode: meta.SessionCode,
				Duration:    time.Duration(meta.DurationSec * float64(time.Second)),
				RecordedAt:  meta.RecordedAt,
			}
			entry.SavedAt = meta.SavedAt
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load blob %s: %w", key, err)
	}
	return entry, nil
}

// Clear drops every saved recording. Called after the transfer engine
// reports success.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix([]byte(recPrefix), []byte(metaPrefix)); err != nil {
		return fmt.Errorf("clear blob store: %w", err)
	}
	s.logger.Info().Str("event", "blobstore.cleared").Msg("recordings cleared")
	return nil
}

// ExportTo writes the entry under key to path atomically (temp file,
// fsync, rename). Used by the "download locally" recovery path.
func (s *Store) ExportTo(ctx context.Context, key, path string) error {
	entry, err := s.Load(ctx, key)
	if err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending export file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending export file")
		}
	}()

	if _, err := pending.Write(entry.Data); err != nil {
		return fmt.Errorf("write export data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace export file: %w", err)
	}

	s.logger.Info().
		Str("event", "blobstore.exported").
		Str("key", key).
		Str("path", path).
		Msg("recording exported")
	return nil
}
