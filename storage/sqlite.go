package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteIndex is the durable Index. A single write mutex serializes
// mutations; sqlite handles concurrent reads via WAL.
type SQLiteIndex struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteIndex opens (creating if needed) the index db with the given
// filename. If the filename is empty, an in-memory db is opened.
func NewSQLiteIndex(filename string) (SQLiteIndex, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteIndex{}, fmt.Errorf("open index db: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS originals (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			format TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS source_urls (
			url TEXT PRIMARY KEY,
			original_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS derivatives (
			key TEXT PRIMARY KEY,
			original_id TEXT NOT NULL,
			width INTEGER NOT NULL,
			format TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			generated_at INTEGER NOT NULL DEFAULT 0,
			failed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS derivatives_original_idx ON derivatives (original_id)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteIndex{}, fmt.Errorf("init index db: %w", err)
		}
	}
	return SQLiteIndex{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteIndex) PutOriginal(o Original) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO originals
		(id, hash, format, width, height, size, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Hash, o.Format, o.Width, o.Height, o.Size, o.Path, o.CreatedAt.Unix())
	return err
}

func (s SQLiteIndex) GetOriginal(id string) (Original, bool, error) {
	var o Original
	var created int64
	err := s.db.QueryRow(`SELECT id, hash, format, width, height, size, path, created_at
		FROM originals WHERE id = ?`, id).
		Scan(&o.ID, &o.Hash, &o.Format, &o.Width, &o.Height, &o.Size, &o.Path, &created)
	if err == sql.ErrNoRows {
		return Original{}, false, nil
	}
	if err != nil {
		return Original{}, false, err
	}
	o.CreatedAt = time.Unix(created, 0)
	return o, true, nil
}

func (s SQLiteIndex) MapSourceURL(url, originalID string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO source_urls (url, original_id) VALUES (?, ?)", url, originalID)
	return err
}

func (s SQLiteIndex) FindBySourceURL(url string) (Original, bool, error) {
	var id string
	err := s.db.QueryRow("SELECT original_id FROM source_urls WHERE url = ?", url).Scan(&id)
	if err == sql.ErrNoRows {
		return Original{}, false, nil
	}
	if err != nil {
		return Original{}, false, err
	}
	return s.GetOriginal(id)
}

func (s SQLiteIndex) PutDerivative(d Derivative) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO derivatives
		(key, original_id, width, format, path, size, status, error, generated_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Key, d.OriginalID, d.Width, d.Format, d.Path, d.Size, string(d.Status), d.Error,
		unixOrZero(d.GeneratedAt), unixOrZero(d.FailedAt))
	return err
}

func (s SQLiteIndex) GetDerivative(key string) (Derivative, bool, error) {
	row := s.db.QueryRow(`SELECT key, original_id, width, format, path, size, status, error, generated_at, failed_at
		FROM derivatives WHERE key = ?`, key)
	d, err := scanDerivative(row)
	if err == sql.ErrNoRows {
		return Derivative{}, false, nil
	}
	if err != nil {
		return Derivative{}, false, err
	}
	return d, true, nil
}

func (s SQLiteIndex) DerivativesFor(originalID string) ([]Derivative, error) {
	rows, err := s.db.Query(`SELECT key, original_id, width, format, path, size, status, error, generated_at, failed_at
		FROM derivatives WHERE original_id = ?`, originalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ds := make([]Derivative, 0)
	for rows.Next() {
		d, err := scanDerivative(rows)
		if err != nil {
			return ds, err
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

func (s SQLiteIndex) Close() error {
	return s.db.Close()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDerivative(row scanner) (Derivative, error) {
	var d Derivative
	var status string
	var generated, failed int64
	err := row.Scan(&d.Key, &d.OriginalID, &d.Width, &d.Format, &d.Path, &d.Size,
		&status, &d.Error, &generated, &failed)
	if err != nil {
		return Derivative{}, err
	}
	d.Status = Status(status)
	d.GeneratedAt = timeOrZero(generated)
	d.FailedAt = timeOrZero(failed)
	return d, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
