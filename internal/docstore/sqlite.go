package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gnar-go/internal/docstore/migrations"
	"gnar-go/internal/feed"

	_ "github.com/mattn/go-sqlite3" // "sqlite3" driver (cgo)
	_ "modernc.org/sqlite"          // "sqlite" driver (pure Go)
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore is a feed.DocumentStore persisting documents as JSON rows.
// Change streams are served in-process: every committed write marks the
// streams of its collection dirty.
type SQLiteStore struct {
	db    *sql.DB
	clock feed.Clock
	hub   *hub
	path  string
}

var _ feed.DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path with driver and migrates it.
// path can be a file path or ":memory:".
func NewSQLiteStore(driver, path string, clock feed.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(driver, path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := NewSQLiteStoreFromDB(db, clock)
	s.path = path
	return s, nil
}

// NewSQLiteStoreFromDB wraps an already migrated connection.
func NewSQLiteStoreFromDB(db *sql.DB, clock feed.Clock) *SQLiteStore {
	return &SQLiteStore{db: db, clock: clock, hub: newHub()}
}

// OpenConnection opens a SQLite database with either driver.
func OpenConnection(driver, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPureGo {
		return nil, fmt.Errorf("unknown sqlite driver: %s", driver)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps ":memory:" databases alive across queries and
	// serializes writers on file databases.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// CheckMigrations reports whether the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

func (s *SQLiteStore) Watch(ctx context.Context, q feed.Query) (feed.ChangeStream, error) {
	cq, err := compile(q)
	if err != nil {
		return nil, err
	}
	return s.hub.open(q.Collection, func(ctx context.Context) (feed.Snapshot, error) {
		return s.query(ctx, cq)
	})
}

func (s *SQLiteStore) query(ctx context.Context, cq compiledQuery) (feed.Snapshot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cq.DocID != "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, fields, created_at FROM documents WHERE collection = ? AND id = ?",
			cq.Collection, cq.DocID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, fields, created_at FROM documents WHERE collection = ?",
			cq.Collection)
	}
	if err != nil {
		return feed.Snapshot{}, fmt.Errorf("querying %s: %w", cq.Collection, err)
	}
	defer rows.Close()

	var recs []feed.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return feed.Snapshot{}, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return feed.Snapshot{}, fmt.Errorf("querying %s: %w", cq.Collection, err)
	}
	return cq.result(recs), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (feed.Record, error) {
	var (
		id        string
		data      string
		createdAt sql.NullString
	)
	if err := sc.Scan(&id, &data, &createdAt); err != nil {
		return feed.Record{}, err
	}

	rec := feed.Record{ID: id, Fields: feed.Fields{}}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return feed.Record{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	if createdAt.Valid {
		ts, err := time.Parse(timeLayout, createdAt.String)
		if err != nil {
			return feed.Record{}, fmt.Errorf("parsing timestamp of %s: %w", id, err)
		}
		rec.CreatedAt = &ts
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*feed.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, fields, created_at FROM documents WHERE collection = ? AND id = ?",
		collection, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, feed.ErrNotFound)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Create(ctx context.Context, collection, id string, fields feed.Fields) error {
	fields, err := normalize(fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	now := s.clock.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO documents (collection, id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		collection, id, string(data), now, now)
	if err != nil {
		return fmt.Errorf("creating %s/%s: %w", collection, id, err)
	}

	s.hub.notify(collection)
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, fields feed.Fields) error {
	return s.write(ctx, collection, id, true, func(cur feed.Fields) (feed.Fields, error) {
		return merge(cur, fields)
	})
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, ops ...feed.FieldOp) error {
	return s.write(ctx, collection, id, false, func(cur feed.Fields) (feed.Fields, error) {
		return applyOps(cur, ops)
	})
}

// write runs a read-modify-write of one document inside a transaction.
func (s *SQLiteStore) write(ctx context.Context, collection, id string, upsert bool, fn func(feed.Fields) (feed.Fields, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cur := feed.Fields{}
	exists := true
	var data string
	err = tx.QueryRowContext(ctx,
		"SELECT fields FROM documents WHERE collection = ? AND id = ?",
		collection, id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !upsert {
			return fmt.Errorf("%s/%s: %w", collection, id, feed.ErrNotFound)
		}
		exists = false
	case err != nil:
		return fmt.Errorf("reading %s/%s: %w", collection, id, err)
	default:
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return fmt.Errorf("decoding document %s: %w", id, err)
		}
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	now := s.clock.Now().UTC().Format(timeLayout)
	if exists {
		_, err = tx.ExecContext(ctx,
			"UPDATE documents SET fields = ?, updated_at = ? WHERE collection = ? AND id = ?",
			string(encoded), now, collection, id)
	} else {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO documents (collection, id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			collection, id, string(encoded), now, now)
	}
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s/%s: %w", collection, id, err)
	}
	s.hub.notify(collection)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.hub.notify(collection)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.hub.close()
	return s.db.Close()
}
