package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/fingerprint"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/vector"
)

// SchemaVersion is the current on-disk schema. Stores with another version are refused.
const SchemaVersion = 1

const defaultPageSize = 512

const (
	metaLevelID       = "level_id"
	metaSchemaVersion = "schema_version"
	metaDimensions    = "dimensions"
	metaMetric        = "metric"
	metaCreatedAt     = "created_at"
)

// Options configures Open.
type Options struct {
	// Dimensions is required when creating a store. When opening an existing store a
	// non-zero value must match the stored one.
	Dimensions int
	// Metric is recorded at creation and validated on open when non-empty.
	Metric string
	// Create allows Open to create a missing database file.
	Create bool
	// PageSize is the number of rows fetched per query by IterateFrom.
	PageSize int
	Logger   *zap.Logger
}

// SQLiteStore implements VectorStore and Ledger using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	info     models.LevelInfo
	pageSize int
	logger   *zap.Logger

	// writeMu serializes writers in this process; IMMEDIATE transactions serialize
	// writers across processes.
	writeMu sync.Mutex
}

// Open opens or creates a SQLite vector store at dbPath and validates its metadata.
// Returns ErrNotFound if the file does not exist and opts.Create is false.
func Open(ctx context.Context, dbPath string, opts Options) (*SQLiteStore, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, failure("stat", err)
		}
		if !opts.Create {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dbPath)
		}
		if opts.Dimensions <= 0 {
			return nil, fmt.Errorf("dimensions must be positive to create a store")
		}
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := dbPath + "?_busy_timeout=10000&_txlock=immediate&_synchronous=FULL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, failure("open", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, failure("enable WAL", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, failure("initialize schema", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	s := &SQLiteStore{db: db, path: dbPath, pageSize: pageSize, logger: logger}
	if err := s.loadOrInitMeta(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint BLOB NOT NULL UNIQUE,
		vector BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS level_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referrers (
		parent_id INTEGER NOT NULL REFERENCES vectors(id),
		source_level TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_level, source_id)
	);

	CREATE INDEX IF NOT EXISTS idx_referrers_parent ON referrers(parent_id);

	CREATE TABLE IF NOT EXISTS cursors (
		child_id TEXT PRIMARY KEY,
		child_path TEXT NOT NULL,
		last_id INTEGER NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) loadOrInitMeta(ctx context.Context, opts Options) error {
	meta := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM level_meta`)
	if err != nil {
		return failure("read metadata", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return failure("read metadata", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return failure("read metadata", err)
	}

	if len(meta) == 0 {
		if opts.Dimensions <= 0 {
			return fmt.Errorf("%w: store has no metadata and no dimensions were given", ErrIncompatible)
		}
		s.info = models.LevelInfo{
			LevelID:       uuid.New().String(),
			SchemaVersion: SchemaVersion,
			Dimensions:    opts.Dimensions,
			Metric:        opts.Metric,
			CreatedAt:     time.Now().UTC(),
		}
		return s.writeMeta(ctx)
	}

	version, err := strconv.Atoi(meta[metaSchemaVersion])
	if err != nil {
		return fmt.Errorf("%w: bad schema version %q", ErrIncompatible, meta[metaSchemaVersion])
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, expected %d", ErrIncompatible, version, SchemaVersion)
	}
	dims, err := strconv.Atoi(meta[metaDimensions])
	if err != nil || dims <= 0 {
		return fmt.Errorf("%w: bad dimensions %q", ErrIncompatible, meta[metaDimensions])
	}
	if opts.Dimensions > 0 && opts.Dimensions != dims {
		return fmt.Errorf("%w: store has %d dimensions, expected %d", ErrIncompatible, dims, opts.Dimensions)
	}
	if opts.Metric != "" && meta[metaMetric] != "" && opts.Metric != meta[metaMetric] {
		return fmt.Errorf("%w: store metric %s, expected %s", ErrIncompatible, meta[metaMetric], opts.Metric)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	s.info = models.LevelInfo{
		LevelID:       meta[metaLevelID],
		SchemaVersion: version,
		Dimensions:    dims,
		Metric:        meta[metaMetric],
		CreatedAt:     createdAt,
	}
	return nil
}

func (s *SQLiteStore) writeMeta(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure("write metadata", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO level_meta (key, value) VALUES (?, ?)`)
	if err != nil {
		return failure("write metadata", err)
	}
	defer stmt.Close()

	kv := [][2]string{
		{metaLevelID, s.info.LevelID},
		{metaSchemaVersion, strconv.Itoa(s.info.SchemaVersion)},
		{metaDimensions, strconv.Itoa(s.info.Dimensions)},
		{metaMetric, s.info.Metric},
		{metaCreatedAt, s.info.CreatedAt.Format(time.RFC3339Nano)},
	}
	for _, p := range kv {
		if _, err := stmt.ExecContext(ctx, p[0], p[1]); err != nil {
			return failure("write metadata", err)
		}
	}
	return failure("write metadata", tx.Commit())
}

// Info returns the level metadata.
func (s *SQLiteStore) Info() models.LevelInfo {
	return s.info
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Put stores v if its fingerprint is new and returns the record id.
func (s *SQLiteStore) Put(ctx context.Context, v models.Vector) (uint64, bool, error) {
	if err := v.Validate(s.info.Dimensions); err != nil {
		return 0, false, err
	}
	if err := vector.Metric(s.info.Metric).Check(v); err != nil {
		return 0, false, err
	}
	blob := v.Bytes()
	fp := fingerprint.OfBytes(blob)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, created, err := s.putTx(ctx, fp, blob)
	if isUniqueViolation(err) {
		// Another process committed the same fingerprint between our read and insert.
		id, created, err = s.putTx(ctx, fp, blob)
		if isUniqueViolation(err) {
			err = failure("insert vector", err)
		}
	}
	var iv *IntegrityViolationError
	if errors.As(err, &iv) {
		s.logger.Error("integrity violation: fingerprint collision with different content",
			zap.String("db", s.path),
			zap.String("fingerprint", fp.String()),
			zap.Uint64("existing_id", iv.ExistingID),
		)
	}
	return id, created, err
}

func (s *SQLiteStore) putTx(ctx context.Context, fp models.Fingerprint, blob []byte) (uint64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, failure("begin put", err)
	}
	defer tx.Rollback()

	var existingID int64
	var existing []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, vector FROM vectors WHERE fingerprint = ?`, fp[:],
	).Scan(&existingID, &existing)
	switch {
	case err == nil:
		if !bytes.Equal(existing, blob) {
			return 0, false, &IntegrityViolationError{Fingerprint: fp, ExistingID: uint64(existingID)}
		}
		return uint64(existingID), false, nil
	case err != sql.ErrNoRows:
		return 0, false, failure("lookup fingerprint", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO vectors (fingerprint, vector, created_at) VALUES (?, ?, ?)`,
		fp[:], blob, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, false, err
		}
		return 0, false, failure("insert vector", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, failure("insert vector", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, failure("commit put", err)
	}
	return uint64(id), true, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Get returns a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id uint64) (*models.VectorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, vector, created_at FROM vectors WHERE id = ?`, int64(id),
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: vector %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, failure("get vector", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.VectorRecord, error) {
	var (
		id        int64
		fpBytes   []byte
		blob      []byte
		createdAt time.Time
	)
	if err := row.Scan(&id, &fpBytes, &blob, &createdAt); err != nil {
		return nil, err
	}
	fp, err := models.FingerprintFromBytes(fpBytes)
	if err != nil {
		return nil, fmt.Errorf("vector %d: %w", id, err)
	}
	vec, err := models.VectorFromBytes(blob)
	if err != nil {
		return nil, fmt.Errorf("vector %d: %w", id, err)
	}
	return &models.VectorRecord{ID: uint64(id), Fingerprint: fp, Vector: vec, CreatedAt: createdAt}, nil
}

// FindByFingerprint returns the id stored under fp.
func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fp models.Fingerprint) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM vectors WHERE fingerprint = ?`, fp[:]).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: fingerprint %s", ErrNotFound, fp.Short())
	}
	if err != nil {
		return 0, failure("find fingerprint", err)
	}
	return uint64(id), nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (uint64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count); err != nil {
		return 0, failure("count", err)
	}
	return uint64(count), nil
}

// MaxID returns the largest assigned id, or 0 for an empty store.
func (s *SQLiteStore) MaxID(ctx context.Context) (uint64, error) {
	var maxID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM vectors`).Scan(&maxID); err != nil {
		return 0, failure("max id", err)
	}
	return uint64(maxID), nil
}

// IDs returns the set of assigned ids without reading vector payloads.
func (s *SQLiteStore) IDs(ctx context.Context) (*roaring64.Bitmap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM vectors ORDER BY id`)
	if err != nil {
		return nil, failure("list ids", err)
	}
	defer rows.Close()

	ids := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, failure("list ids", err)
		}
		ids.Add(uint64(id))
	}
	return ids, failure("list ids", rows.Err())
}

// IterateFrom yields records with id >= startID in ascending order, one page per query.
// No read transaction is held between pages, so writers are never blocked.
func (s *SQLiteStore) IterateFrom(ctx context.Context, startID uint64) iter.Seq2[*models.VectorRecord, error] {
	return func(yield func(*models.VectorRecord, error) bool) {
		upper, err := s.MaxID(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		next := startID
		for next <= upper {
			page, err := s.page(ctx, next, upper)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			next = page[len(page)-1].ID + 1
		}
	}
}

func (s *SQLiteStore) page(ctx context.Context, from, upper uint64) ([]*models.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, vector, created_at FROM vectors
		 WHERE id >= ? AND id <= ? ORDER BY id LIMIT ?`,
		int64(from), int64(upper), s.pageSize,
	)
	if err != nil {
		return nil, failure("iterate", err)
	}
	defer rows.Close()

	page := make([]*models.VectorRecord, 0, s.pageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, failure("iterate", err)
		}
		page = append(page, rec)
	}
	return page, failure("iterate", rows.Err())
}

// Cursor returns the aggregation checkpoint for childID.
func (s *SQLiteStore) Cursor(ctx context.Context, childID string) (models.Cursor, error) {
	c := models.Cursor{ChildID: childID}
	var lastID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT child_path, last_id, updated_at FROM cursors WHERE child_id = ?`, childID,
	).Scan(&c.ChildPath, &lastID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, failure("read cursor", err)
	}
	c.LastID = uint64(lastID)
	return c, nil
}

// Cursors returns all aggregation checkpoints ordered by child path.
func (s *SQLiteStore) Cursors(ctx context.Context) ([]models.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT child_id, child_path, last_id, updated_at FROM cursors ORDER BY child_path`)
	if err != nil {
		return nil, failure("list cursors", err)
	}
	defer rows.Close()

	var out []models.Cursor
	for rows.Next() {
		var c models.Cursor
		var lastID int64
		if err := rows.Scan(&c.ChildID, &c.ChildPath, &lastID, &c.UpdatedAt); err != nil {
			return nil, failure("list cursors", err)
		}
		c.LastID = uint64(lastID)
		out = append(out, c)
	}
	return out, failure("list cursors", rows.Err())
}

// Commit inserts referrer links and advances the cursor in one transaction.
// Links already present for the same source are left unchanged.
func (s *SQLiteStore) Commit(ctx context.Context, cursor models.Cursor, links []models.ReferrerLink) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure("begin commit", err)
	}
	defer tx.Rollback()

	if len(links) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO referrers (parent_id, source_level, source_id, created_at)
			 VALUES (?, ?, ?, ?)`,
		)
		if err != nil {
			return failure("insert referrers", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, l := range links {
			if _, err := stmt.ExecContext(ctx, int64(l.ParentID), l.SourceLevel, int64(l.SourceID), now); err != nil {
				return failure("insert referrers", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cursors (child_id, child_path, last_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(child_id) DO UPDATE SET
			child_path = excluded.child_path,
			last_id = MAX(cursors.last_id, excluded.last_id),
			updated_at = excluded.updated_at`,
		cursor.ChildID, cursor.ChildPath, int64(cursor.LastID), time.Now().UTC(),
	)
	if err != nil {
		return failure("advance cursor", err)
	}
	return failure("commit", tx.Commit())
}

// ReferrersOf returns the provenance links of a parent record.
func (s *SQLiteStore) ReferrersOf(ctx context.Context, parentID uint64) ([]models.ReferrerLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id, source_level, source_id, created_at FROM referrers
		 WHERE parent_id = ? ORDER BY source_level, source_id`, int64(parentID),
	)
	if err != nil {
		return nil, failure("list referrers", err)
	}
	defer rows.Close()

	var links []models.ReferrerLink
	for rows.Next() {
		var l models.ReferrerLink
		var pid, sid int64
		if err := rows.Scan(&pid, &l.SourceLevel, &sid, &l.CreatedAt); err != nil {
			return nil, failure("list referrers", err)
		}
		l.ParentID, l.SourceID = uint64(pid), uint64(sid)
		links = append(links, l)
	}
	return links, failure("list referrers", rows.Err())
}

// CountReferrers returns the number of provenance links.
func (s *SQLiteStore) CountReferrers(ctx context.Context) (uint64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM referrers`).Scan(&count); err != nil {
		return 0, failure("count referrers", err)
	}
	return uint64(count), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
