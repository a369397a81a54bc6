// Package store is the persistence layer (spec component B): typed
// operations over the users, file_cache, transcriptions, and
// downloaded_files tables, backed by modernc.org/sqlite (pure Go, no
// cgo), with the one documented one-shot schema migration.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arung-agamani/mediabot/internal/media"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// User mirrors the users table.
type User struct {
	TransportUserID int64
	Username        string
	FirstName       string
	LastName        string
	Locale          string
	CreatedAt       time.Time
}

// CacheEntry mirrors the file_cache table (spec.md §3 CacheEntry).
type CacheEntry struct {
	ID            int64
	URL           string
	TransportIDs  []string
	MediaKind     media.Kind
	UploaderID    int64
	CreatedAt     time.Time
}

// DownloadedFile mirrors the downloaded_files table (spec.md §3
// DownloadedFile).
type DownloadedFile struct {
	ID          int64
	URL         string
	FilePath    string
	Size        int64
	FileType    string
	MediaKind   media.Kind
	TaskDir     string
	DownloadedAt time.Time
	ExpiresAt   time.Time
	CacheRef    sql.NullInt64
}

// Store is a single shared connection serialized at the call boundary, as
// spec.md §4.B requires ("not a bottleneck given the I/O rates expected").
// database/sql already serializes access to a connection with
// SetMaxOpenConns(1), so no extra mutex is needed around these calls.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, runs the
// one-shot migration and table creation, and returns a ready Store. Per
// spec.md §9's open question, the migration runs here in the constructor,
// before any request is accepted, exactly mirroring the source's
// Database.__init__ → create_tables() ordering.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transport_user_id INTEGER UNIQUE,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			locale TEXT,
			created_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create users: %w", err)
	}

	if err := s.migrateFileCache(); err != nil {
		return err
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_url ON file_cache(url)`); err != nil {
		return fmt.Errorf("index file_cache.url: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_id ON file_cache(id)`); err != nil {
		return fmt.Errorf("index file_cache.id: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_unique_id TEXT UNIQUE,
			user_id INTEGER,
			text TEXT,
			created_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create transcriptions: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_source_unique_id ON transcriptions(source_unique_id)`); err != nil {
		return fmt.Errorf("index transcriptions.source_unique_id: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transcriptions_user_id ON transcriptions(user_id)`); err != nil {
		return fmt.Errorf("index transcriptions.user_id: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS downloaded_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT UNIQUE,
			file_path TEXT,
			size INTEGER,
			file_type TEXT,
			media_kind TEXT,
			task_dir TEXT,
			downloaded_at DATETIME,
			expires_at DATETIME,
			cache_ref INTEGER REFERENCES file_cache(id)
		)
	`); err != nil {
		return fmt.Errorf("create downloaded_files: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_downloaded_url ON downloaded_files(url)`); err != nil {
		return fmt.Errorf("index downloaded_files.url: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_downloaded_cache_ref ON downloaded_files(cache_ref)`); err != nil {
		return fmt.Errorf("index downloaded_files.cache_ref: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_downloaded_expires ON downloaded_files(expires_at)`); err != nil {
		return fmt.Errorf("index downloaded_files.expires_at: %w", err)
	}

	return nil
}

// migrateFileCache handles the one documented one-shot upgrade: an older
// file_cache table without an id primary key is copied into the new
// schema, the old table dropped, and the new one renamed in its place.
func (s *Store) migrateFileCache() error {
	var tableName string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='file_cache'`).Scan(&tableName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.db.Exec(`
			CREATE TABLE file_cache (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				url TEXT UNIQUE,
				transport_ids TEXT,
				media_kind TEXT,
				uploader_id INTEGER,
				created_at DATETIME
			)
		`)
		if err != nil {
			return fmt.Errorf("create file_cache: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("probe file_cache: %w", err)
	}

	rows, err := s.db.Query(`PRAGMA table_info(file_cache)`)
	if err != nil {
		return fmt.Errorf("table_info(file_cache): %w", err)
	}
	hasID := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan table_info: %w", err)
		}
		if name == "id" {
			hasID = true
		}
	}
	rows.Close()

	if hasID {
		slog.Debug("file_cache already on current schema")
		return nil
	}

	slog.Info("migrating file_cache table to add id column")
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE file_cache_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT UNIQUE,
			transport_ids TEXT,
			media_kind TEXT,
			uploader_id INTEGER,
			created_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create file_cache_new: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO file_cache_new (url, transport_ids, media_kind, uploader_id, created_at)
		SELECT url, file_id, media_type, uploader_id, created_at FROM file_cache
	`); err != nil {
		return fmt.Errorf("copy file_cache rows: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE file_cache`); err != nil {
		return fmt.Errorf("drop old file_cache: %w", err)
	}
	if _, err := tx.Exec(`ALTER TABLE file_cache_new RENAME TO file_cache`); err != nil {
		return fmt.Errorf("rename file_cache_new: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	slog.Info("file_cache migration complete")
	return nil
}

// UpsertUser inserts a user with insert-ignore semantics on the transport
// id (spec.md §4.B upsert_user).
func (s *Store) UpsertUser(u User) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO users (transport_user_id, username, first_name, last_name, locale, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.TransportUserID, u.Username, u.FirstName, u.LastName, u.Locale, time.Now())
	if err != nil {
		return fmt.Errorf("store: upsert user %d: %w", u.TransportUserID, err)
	}
	return nil
}

// GetCache returns the cached transport ids and media kind for a canonical
// URL, parsing the ids whether they were serialized as a JSON array or a
// single bare string (spec.md §4.B get_cache backward-compat note).
func (s *Store) GetCache(url string) ([]string, media.Kind, error) {
	var rawIDs, rawKind string
	err := s.db.QueryRow(`SELECT transport_ids, media_kind FROM file_cache WHERE url = ?`, url).Scan(&rawIDs, &rawKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: get cache %q: %w", url, err)
	}
	ids := parseTransportIDs(rawIDs)
	kind, _ := media.ParseKind(rawKind)
	return ids, kind, nil
}

// GetCacheByID is GetCache keyed by the row's primary id instead of URL
// (spec.md §4.B get_cache_by_id).
func (s *Store) GetCacheByID(id int64) ([]string, media.Kind, error) {
	var rawIDs, rawKind string
	err := s.db.QueryRow(`SELECT transport_ids, media_kind FROM file_cache WHERE id = ?`, id).Scan(&rawIDs, &rawKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: get cache by id %d: %w", id, err)
	}
	ids := parseTransportIDs(rawIDs)
	kind, _ := media.ParseKind(rawKind)
	return ids, kind, nil
}

// SaveCache upserts a cache row by url, coercing the stored kind to
// Carousel whenever more than one id is given (spec.md §3 CacheEntry
// invariant), and returns the row id.
func (s *Store) SaveCache(url string, ids []string, kind media.Kind, uploaderID int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("store: save cache %q: transport_ids must be non-empty", url)
	}
	kind = media.CoerceForCount(kind, len(ids))

	encoded, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("store: marshal transport_ids: %w", err)
	}

	var existingID int64
	err = s.db.QueryRow(`SELECT id FROM file_cache WHERE url = ?`, url).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(`
			INSERT INTO file_cache (url, transport_ids, media_kind, uploader_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, url, string(encoded), string(kind), uploaderID, time.Now())
		if err != nil {
			return 0, fmt.Errorf("store: insert cache %q: %w", url, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("store: lookup cache %q: %w", url, err)
	default:
		_, err := s.db.Exec(`
			UPDATE file_cache SET transport_ids = ?, media_kind = ?, uploader_id = ?, created_at = ?
			WHERE id = ?
		`, string(encoded), string(kind), uploaderID, time.Now(), existingID)
		if err != nil {
			return 0, fmt.Errorf("store: update cache %q: %w", url, err)
		}
		return existingID, nil
	}
}

// CacheIDOf looks up the primary key for a given url (spec.md §4.B
// cache_id_of), used to build deep links.
func (s *Store) CacheIDOf(url string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM file_cache WHERE url = ?`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: cache id of %q: %w", url, err)
	}
	return id, nil
}

// SaveTranscription persists (or replaces) a transcription keyed by a
// transport-supplied unique id.
func (s *Store) SaveTranscription(sourceUniqueID string, userID int64, text string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO transcriptions (source_unique_id, user_id, text, created_at)
		VALUES (?, ?, ?, ?)
	`, sourceUniqueID, userID, text, time.Now())
	if err != nil {
		return fmt.Errorf("store: save transcription %q: %w", sourceUniqueID, err)
	}
	return nil
}

// GetTranscription returns a previously saved transcription text.
func (s *Store) GetTranscription(sourceUniqueID string) (string, error) {
	var text string
	err := s.db.QueryRow(`SELECT text FROM transcriptions WHERE source_unique_id = ?`, sourceUniqueID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get transcription %q: %w", sourceUniqueID, err)
	}
	return text, nil
}

// GetUserTranscriptions returns every transcription for a user as a map
// keyed by source unique id; the map carries no order.
func (s *Store) GetUserTranscriptions(userID int64) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT source_unique_id, text FROM transcriptions
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: user transcriptions %d: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("store: scan transcription row: %w", err)
		}
		out[id] = text
	}
	return out, rows.Err()
}

// SaveDownloadedFile records an on-disk artifact with a TTL (spec.md §4.B
// save_downloaded_file). The file must already exist on disk.
func (s *Store) SaveDownloadedFile(f DownloadedFile, ttl time.Duration) (int64, error) {
	if _, err := os.Stat(f.FilePath); err != nil {
		return 0, fmt.Errorf("store: save downloaded file: %q does not exist: %w", f.FilePath, err)
	}

	expiresAt := time.Now().Add(ttl)

	var existingID int64
	err := s.db.QueryRow(`SELECT id FROM downloaded_files WHERE url = ?`, f.URL).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(`
			INSERT INTO downloaded_files (url, file_path, size, file_type, media_kind, task_dir, downloaded_at, expires_at, cache_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, f.URL, f.FilePath, f.Size, f.FileType, string(f.MediaKind), f.TaskDir, time.Now(), expiresAt, f.CacheRef)
		if err != nil {
			return 0, fmt.Errorf("store: insert downloaded file %q: %w", f.URL, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("store: lookup downloaded file %q: %w", f.URL, err)
	default:
		_, err := s.db.Exec(`
			UPDATE downloaded_files
			SET file_path = ?, size = ?, file_type = ?, media_kind = ?, task_dir = ?, downloaded_at = ?, expires_at = ?, cache_ref = ?
			WHERE id = ?
		`, f.FilePath, f.Size, f.FileType, string(f.MediaKind), f.TaskDir, time.Now(), expiresAt, f.CacheRef, existingID)
		if err != nil {
			return 0, fmt.Errorf("store: update downloaded file %q: %w", f.URL, err)
		}
		return existingID, nil
	}
}

// GetDownloadedFile returns a live (unexpired) downloaded-file row. If the
// row exists but the backing file is gone, the row is deleted and
// ErrNotFound is returned — the on-disk-reuse invariant from spec.md §3.
func (s *Store) GetDownloadedFile(url string) (DownloadedFile, error) {
	var f DownloadedFile
	var mediaKind string
	err := s.db.QueryRow(`
		SELECT id, url, file_path, size, file_type, media_kind, task_dir, downloaded_at, expires_at, cache_ref
		FROM downloaded_files WHERE url = ? AND expires_at > ?
	`, url, time.Now()).Scan(&f.ID, &f.URL, &f.FilePath, &f.Size, &f.FileType, &mediaKind, &f.TaskDir, &f.DownloadedAt, &f.ExpiresAt, &f.CacheRef)
	if errors.Is(err, sql.ErrNoRows) {
		return DownloadedFile{}, ErrNotFound
	}
	if err != nil {
		return DownloadedFile{}, fmt.Errorf("store: get downloaded file %q: %w", url, err)
	}
	f.MediaKind, _ = media.ParseKind(mediaKind)

	if _, statErr := os.Stat(f.FilePath); statErr != nil {
		slog.Info("downloaded_files row points at missing file, removing", "url", url, "path", f.FilePath)
		if err := s.DeleteDownloadedFile(url); err != nil {
			slog.Warn("failed to delete stale downloaded_files row", "url", url, "error", err)
		}
		return DownloadedFile{}, ErrNotFound
	}

	return f, nil
}

// DeleteDownloadedFile removes the row for url (spec.md §4.B
// delete_downloaded_file). It does not touch the filesystem; callers that
// need the file removed do so explicitly.
func (s *Store) DeleteDownloadedFile(url string) error {
	_, err := s.db.Exec(`DELETE FROM downloaded_files WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("store: delete downloaded file %q: %w", url, err)
	}
	return nil
}

// CleanupExpiredFiles purges rows whose expires_at has passed, removing
// the backing file and its task directory, and returns the count purged
// (spec.md §4.B cleanup_expired_files).
func (s *Store) CleanupExpiredFiles() (int, error) {
	rows, err := s.db.Query(`SELECT id, file_path, task_dir FROM downloaded_files WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("store: query expired files: %w", err)
	}

	type expired struct {
		id      int64
		path    string
		taskDir string
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path, &e.taskDir); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan expired file row: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()

	count := 0
	for _, e := range batch {
		if e.path != "" {
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove expired file", "path", e.path, "error", err)
			}
		}
		if e.taskDir != "" {
			if err := os.RemoveAll(e.taskDir); err != nil {
				slog.Warn("failed to remove expired task dir", "dir", e.taskDir, "error", err)
			}
		}
		if _, err := s.db.Exec(`DELETE FROM downloaded_files WHERE id = ?`, e.id); err != nil {
			slog.Warn("failed to delete expired downloaded_files row", "id", e.id, "error", err)
			continue
		}
		count++
	}

	if count > 0 {
		slog.Info("cleaned up expired file records", "count", count)
	}
	return count, nil
}

// parseTransportIDs decodes the transport_ids column, which may hold either
// a JSON array (the only form this Store writes) or a bare string (the
// legacy single-id form a pre-migration row, or a row written by the
// original Python service, might still carry).
func parseTransportIDs(raw string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err == nil {
		return ids
	}
	return []string{raw}
}
