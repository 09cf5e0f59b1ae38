package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver
)

// Dialect selects the SQL flavour spoken by an SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// driverName maps a dialect to its registered database/sql driver.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// schema returns the CREATE statement for the uploads table.
func (d Dialect) schema() string {
	idType, intType := "TEXT", "INTEGER"
	switch d {
	case DialectPostgres:
		intType = "BIGINT"
	case DialectMySQL:
		idType, intType = "VARCHAR(64)", "BIGINT"
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS uploads (
			id                      %[1]s PRIMARY KEY,
			name                    TEXT NOT NULL,
			extension               TEXT NOT NULL,
			original_file_name      TEXT NOT NULL,
			media_type              TEXT NOT NULL,
			code_language           TEXT NOT NULL,
			metadata                TEXT NOT NULL,
			declared_length         %[2]s NOT NULL,
			uploaded_length         %[2]s NOT NULL DEFAULT 0,
			status                  VARCHAR(16) NOT NULL,
			provider_upload_id      TEXT NOT NULL,
			block_ids               TEXT NOT NULL,
			block_number            %[2]s NOT NULL DEFAULT 0,
			owner_id                TEXT NOT NULL,
			created_by              TEXT NOT NULL,
			created_at              VARCHAR(32) NOT NULL,
			pending_for_deletion_at VARCHAR(32) NULL
		)`, idType, intType)
}

// rebind rewrites '?' placeholders to the dialect's style.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isDuplicate reports whether err is a primary-key violation in any dialect.
func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "Duplicate entry")
}

// SQLStore implements the Ledger interface on top of database/sql. SQLite is
// the default single-node engine; Postgres and MySQL share the same schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteStore creates a new SQLStore backed by the SQLite database at dsn
// and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DialectSQLite, dsn)
}

// NewSQLStore opens a database for the given dialect and initializes the
// schema.
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing %s database: %w", dialect, err)
	}
	return s, nil
}

// initDB applies PRAGMAs (SQLite only) and creates the uploads table and its
// index. Safe to call multiple times.
func (s *SQLStore) initDB() error {
	if s.dialect == DialectSQLite {
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, p := range pragmas {
			if _, err := s.db.Exec(p); err != nil {
				return fmt.Errorf("executing %q: %w", p, err)
			}
		}
	}

	if _, err := s.db.Exec(s.dialect.schema()); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; the sweeper query is a scan
	// there, which is acceptable for the table sizes involved.
	if s.dialect != DialectMySQL {
		if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_uploads_deletion ON uploads(pending_for_deletion_at)`); err != nil {
			return fmt.Errorf("creating deletion index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `id, name, extension, original_file_name, media_type, code_language, metadata,
	declared_length, uploaded_length, status, provider_upload_id, block_ids, block_number,
	owner_id, created_by, created_at, pending_for_deletion_at`

// Create inserts a new upload record.
func (s *SQLStore) Create(ctx context.Context, rec *UploadRecord) error {
	blockIDs, err := marshalBlockIDs(rec.BlockIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO uploads (`+selectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Name,
		rec.Extension,
		rec.OriginalFileName,
		rec.MediaType,
		rec.CodeLanguage,
		rec.Metadata,
		rec.Length,
		rec.UploadedLength,
		string(rec.Status),
		rec.ProviderUploadID,
		blockIDs,
		rec.BlockNumber,
		rec.OwnerID,
		rec.CreatedBy,
		formatTime(rec.CreatedAt),
		nullableTime(rec.PendingForDeletionAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("creating upload %q: %w", rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("creating upload %q: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves an upload record by ID. Returns (nil, nil) if absent.
func (s *SQLStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+selectColumns+` FROM uploads WHERE id = ?`), id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", id, err)
	}
	return rec, nil
}

// Exists checks whether an upload record with the given ID exists.
func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM uploads WHERE id = ?`), id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking upload %q: %w", id, err)
	}
	return count > 0, nil
}

// Update writes the mutable fields of an existing upload record.
func (s *SQLStore) Update(ctx context.Context, rec *UploadRecord) error {
	blockIDs, err := marshalBlockIDs(rec.BlockIDs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE uploads SET
			name = ?, extension = ?, media_type = ?, code_language = ?,
			uploaded_length = ?, status = ?, provider_upload_id = ?,
			block_ids = ?, block_number = ?, pending_for_deletion_at = ?
		 WHERE id = ?`),
		rec.Name,
		rec.Extension,
		rec.MediaType,
		rec.CodeLanguage,
		rec.UploadedLength,
		string(rec.Status),
		rec.ProviderUploadID,
		blockIDs,
		rec.BlockNumber,
		nullableTime(rec.PendingForDeletionAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating upload %q: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && s.dialect != DialectMySQL {
		// MySQL reports zero affected rows when nothing changed, so the
		// check only runs for the other dialects.
		return fmt.Errorf("updating upload %q: record not found", rec.ID)
	}
	return nil
}

// Delete removes an upload record. Idempotent.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM uploads WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting upload %q: %w", id, err)
	}
	return nil
}

// ListDueForDeletion returns all records whose scheduled deletion time is at
// or before now. Timestamps are stored in a fixed-width UTC format, so text
// comparison orders them correctly.
func (s *SQLStore) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+selectColumns+` FROM uploads
		 WHERE pending_for_deletion_at IS NOT NULL AND pending_for_deletion_at <= ?
		 ORDER BY id`),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("listing uploads due for deletion: %w", err)
	}
	return collectRecords(rows)
}

// List returns every upload record ordered by ID.
func (s *SQLStore) List(ctx context.Context) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM uploads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*UploadRecord, error) {
	var rec UploadRecord
	var status, blockIDs, createdAt string
	var pendingAt sql.NullString
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Extension,
		&rec.OriginalFileName,
		&rec.MediaType,
		&rec.CodeLanguage,
		&rec.Metadata,
		&rec.Length,
		&rec.UploadedLength,
		&status,
		&rec.ProviderUploadID,
		&blockIDs,
		&rec.BlockNumber,
		&rec.OwnerID,
		&rec.CreatedBy,
		&createdAt,
		&pendingAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdAt)
	if pendingAt.Valid {
		rec.PendingForDeletionAt = parseOptionalTime(pendingAt.String)
	}
	if blockIDs != "" {
		if err := json.Unmarshal([]byte(blockIDs), &rec.BlockIDs); err != nil {
			return nil, fmt.Errorf("decoding block ids of %q: %w", rec.ID, err)
		}
		if len(rec.BlockIDs) == 0 {
			rec.BlockIDs = nil
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]UploadRecord, error) {
	defer rows.Close()

	var records []UploadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return records, nil
}

func marshalBlockIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshaling block ids: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// Ensure SQLStore implements Ledger at compile time.
var _ Ledger = (*SQLStore)(nil)
