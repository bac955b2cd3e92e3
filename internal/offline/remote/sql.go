package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitsync/internal/offline/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLService stores each collection as a table of JSON documents:
//
//	CREATE TABLE <collection> (id TEXT PRIMARY KEY, doc TEXT NOT NULL, updated_at INTEGER NOT NULL)
//
// Tables are created on first use. A duplicate insert surfaces as a
// SQLite UNIQUE constraint error, which ClassifyError reports as a conflict.
type SQLService struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	ensured map[string]bool
}

// OpenSQL opens a SQL backend for dsn.
//
// DSNs starting with libsql://, http:// or https:// use the libsql driver
// (hosted Turso database, requires cgo). Anything else is treated as a
// local SQLite file path.
func OpenSQL(dsn string, logger *log.Logger) (*SQLService, error) {
	if dsn == "" {
		return nil, fmt.Errorf("remote dsn is required")
	}

	driver, source := "sqlite3", dsn
	switch {
	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "http://"), strings.HasPrefix(dsn, "https://"):
		driver = "libsql"
	case !strings.HasPrefix(dsn, "file:"):
		source = "file:" + dsn
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}

	if driver == "sqlite3" {
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	return NewSQLService(conn, logger), nil
}

// NewSQLService wraps an open database. If logger is nil, a default logger
// writing to stderr is used.
func NewSQLService(db *sql.DB, logger *log.Logger) *SQLService {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &SQLService{
		db:      db,
		logger:  logger,
		now:     time.Now,
		ensured: make(map[string]bool),
	}
}

// Close closes the underlying connection.
func (s *SQLService) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// ensureTable creates the collection table once per process.
func (s *SQLService) ensureTable(ctx context.Context, collection string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[collection] {
		return nil
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`, collection)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", collection, err)
	}
	s.ensured[collection] = true
	return nil
}

// Insert implements Service.Insert. A payload without an id gets a UUID.
func (s *SQLService) Insert(ctx context.Context, collection string, payload schema.Payload) error {
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}

	doc := payload.Clone()
	if doc == nil {
		doc = schema.Payload{}
	}
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return NewPermanentError(fmt.Errorf("failed to marshal payload: %w", err))
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, doc, updated_at) VALUES (?, ?, ?)`, collection)
	if _, err := s.db.ExecContext(ctx, query, id, string(data), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update implements Service.Update. Fields in payload are merged into the
// stored document; updating a missing record is a no-op.
func (s *SQLService) Update(ctx context.Context, collection string, payload schema.Payload) error {
	id := payload.ID()
	if id == "" {
		return ErrMissingID
	}
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, collection), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Printf("Update of missing record %s/%s ignored", collection, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}

	doc := schema.Payload{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("failed to decode stored %s/%s: %w", collection, id, err)
	}
	for k, v := range payload {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return NewPermanentError(fmt.Errorf("failed to marshal payload: %w", err))
	}

	query := fmt.Sprintf(`UPDATE %s SET doc = ?, updated_at = ? WHERE id = ?`, collection)
	if _, err := tx.ExecContext(ctx, query, string(data), s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Delete implements Service.Delete. Deleting a missing record is a no-op.
func (s *SQLService) Delete(ctx context.Context, collection string, payload schema.Payload) error {
	id := payload.ID()
	if id == "" {
		return ErrMissingID
	}
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get returns one record by id.
func (s *SQLService) Get(ctx context.Context, collection, id string) (schema.Payload, bool, error) {
	if err := s.ensureTable(ctx, collection); err != nil {
		return nil, false, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, collection), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}

	doc := schema.Payload{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

// List implements Reader.List. Records come back ordered by id.
func (s *SQLService) List(ctx context.Context, collection string) ([]schema.Payload, error) {
	if err := s.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY id`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]schema.Payload, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		doc := schema.Payload{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Printf("WARNING: Skipping undecodable %s row: %v", collection, err)
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return docs, nil
}

var (
	_ Service = (*SQLService)(nil)
	_ Reader  = (*SQLService)(nil)
)
