package trace

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load and Delete for an unknown trace name.
var ErrNotFound = errors.New("trace: not found")

const schema = `
CREATE TABLE IF NOT EXISTS trace_meta (
	name       TEXT PRIMARY KEY,
	length     INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trace_records (
	name  TEXT    NOT NULL,
	seq   INTEGER NOT NULL,
	op    INTEGER NOT NULL,
	key   INTEGER NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (name, seq)
) WITHOUT ROWID;
`

// saveBatchSize is how many records Save writes between context checks.
const saveBatchSize = 10_000

// Store keeps named traces in a SQLite database so that repeated bench runs
// replay the exact same operations.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database at path and
// initializes the schema.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace db %s", path)
	}
	s := NewStore(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. Call Init before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create trace schema")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores records under name in one transaction, replacing any trace of
// the same name.
func (s *Store) Save(ctx context.Context, name string, records []Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM trace_records WHERE name = ?`, name); err != nil {
		return errors.Wrapf(err, "clear trace %q", name)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO trace_meta (name, length, created_at) VALUES (?, ?, ?)`,
		name, len(records), time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "save trace %q", name)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trace_records (name, seq, op, key, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare")
	}
	defer stmt.Close()

	for i, rec := range records {
		if i%saveBatchSize == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
		}
		// SQLite integers are signed; keys and values round-trip through int64.
		if _, err = stmt.ExecContext(ctx, name, i, int(rec.Op), int64(rec.Key), int64(rec.Value)); err != nil {
			return errors.Wrapf(err, "save trace %q record %d", name, i)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// Load returns the records saved under name, in order.
func (s *Store) Load(ctx context.Context, name string) ([]Record, error) {
	var length int
	err := s.db.QueryRowContext(ctx, `SELECT length FROM trace_meta WHERE name = ?`, name).Scan(&length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "trace %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load trace %q", name)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT op, key, value FROM trace_records WHERE name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, errors.Wrapf(err, "load trace %q", name)
	}
	defer rows.Close()

	records := make([]Record, 0, length)
	for rows.Next() {
		var (
			op         int
			key, value int64
		)
		if err := rows.Scan(&op, &key, &value); err != nil {
			return nil, errors.Wrapf(err, "load trace %q", name)
		}
		if op < 0 || op > int(Remove) {
			return nil, errors.Errorf("load trace %q: record %d has unknown op %d", name, len(records), op)
		}
		rec := Record{Op: Op(op), Key: uint64(key), Value: uint64(value)}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "load trace %q", name)
	}
	if len(records) != length {
		return nil, errors.Errorf("load trace %q: %d records, expected %d", name, len(records), length)
	}
	return records, nil
}

// Names lists the stored traces in lexical order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM trace_meta ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list traces")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "list traces")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "list traces")
}

// Delete removes the trace saved under name.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM trace_meta WHERE name = ?`, name)
	if err != nil {
		return errors.Wrapf(err, "delete trace %q", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "trace %q", name)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM trace_records WHERE name = ?`, name); err != nil {
		return errors.Wrapf(err, "delete trace %q", name)
	}
	return errors.Wrap(tx.Commit(), "commit")
}
