// ABOUTME: SQLite implementation of the document Store using modernc.org/sqlite
// ABOUTME: Maps each collection to a typed table and runs patches as single UPDATE statements

package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so lexical order matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store and Transactor on top of SQLite.
type SQLiteStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "docstore")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		q:      db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite document store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			name TEXT,
			password_hash TEXT,
			created_at TEXT,
			last_active TEXT
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_user_id TEXT,
			title TEXT,
			created_at TEXT,
			updated_at TEXT,
			message_count INTEGER CHECK (message_count >= 0),
			is_active INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated
			ON sessions(owner_user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT,
			role TEXT,
			content TEXT,
			timestamp TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
			ON messages(session_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// FindOne returns the first matching row in insertion order.
func (s *SQLiteStore) FindOne(ctx context.Context, coll Collection, filter Filter) (Document, error) {
	docs, err := s.FindMany(ctx, coll, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// FindMany returns matching rows ordered by opts.Sort with rowid as the final tie-break.
func (s *SQLiteStore) FindMany(ctx context.Context, coll Collection, filter Filter, opts FindOptions) ([]Document, error) {
	schema, filter, err := prepareSQL(coll, filter)
	if err != nil {
		return nil, err
	}
	if err := schema.validateSort(opts.Sort); err != nil {
		return nil, err
	}

	columns := make([]string, len(schema.fields))
	for i, f := range schema.fields {
		columns[i] = quoteIdent(f.name)
	}

	where, args := whereClause(schema, filter)
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(columns, ", "), quoteIdent(string(schema.name)), where)

	order := make([]string, 0, len(opts.Sort)+1)
	for _, f := range opts.Sort {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		order = append(order, quoteIdent(f.Field)+" "+dir)
	}
	if opts.NewestFirst {
		order = append(order, "rowid DESC")
	} else {
		order = append(order, "rowid ASC")
	}
	query += " ORDER BY " + strings.Join(order, ", ")

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapErr(ctx, "querying "+string(coll), err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		dest := make([]any, len(schema.fields))
		for i, f := range schema.fields {
			switch f.kind {
			case kindInt, kindBool:
				dest[i] = new(sql.NullInt64)
			default:
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, s.wrapErr(ctx, "scanning "+string(coll), err)
		}
		doc, err := decodeRow(schema, dest)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapErr(ctx, "iterating "+string(coll), err)
	}
	return docs, nil
}

// InsertOne inserts doc as a new row.
func (s *SQLiteStore) InsertOne(ctx context.Context, coll Collection, doc Document) error {
	schema, err := schemaFor(coll)
	if err != nil {
		return err
	}
	doc, err = schema.normalizeDocument(doc)
	if err != nil {
		return err
	}

	var (
		columns      []string
		placeholders []string
		args         []any
	)
	for _, f := range schema.fields {
		v, ok := doc[f.name]
		if !ok {
			continue
		}
		columns = append(columns, quoteIdent(f.name))
		placeholders = append(placeholders, "?")
		args = append(args, encodeValue(v))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(string(schema.name)), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return s.wrapErr(ctx, "inserting into "+string(coll), err)
	}
	return nil
}

// UpdateOne patches the first matching row in insertion order.
func (s *SQLiteStore) UpdateOne(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	return s.update(ctx, coll, filter, patch, true)
}

// UpdateMany patches every matching row in one statement.
func (s *SQLiteStore) UpdateMany(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	return s.update(ctx, coll, filter, patch, false)
}

func (s *SQLiteStore) update(ctx context.Context, coll Collection, filter Filter, patch Patch, single bool) (UpdateResult, error) {
	schema, filter, err := prepareSQL(coll, filter)
	if err != nil {
		return UpdateResult{}, err
	}
	patch, err = schema.normalizePatch(patch)
	if err != nil {
		return UpdateResult{}, err
	}

	var (
		sets []string
		args []any
	)
	for _, f := range schema.fields {
		if v, ok := patch.Set[f.name]; ok {
			sets = append(sets, quoteIdent(f.name)+" = ?")
			args = append(args, encodeValue(v))
		}
		if delta, ok := patch.Inc[f.name]; ok {
			col := quoteIdent(f.name)
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + ?", col, col))
			args = append(args, delta)
		}
	}

	table := quoteIdent(string(schema.name))
	where, whereArgs := whereClause(schema, filter)
	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if single {
		query += fmt.Sprintf(" WHERE rowid = (SELECT rowid FROM %s%s ORDER BY rowid LIMIT 1)", table, where)
	} else {
		query += where
	}
	args = append(args, whereArgs...)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return UpdateResult{}, s.wrapErr(ctx, "updating "+string(coll), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return UpdateResult{}, s.wrapErr(ctx, "updating "+string(coll), err)
	}
	// SQLite reports matched rows; unchanged rows still count as modified.
	return UpdateResult{Matched: n, Modified: n}, nil
}

// DeleteOne removes the first matching row in insertion order.
func (s *SQLiteStore) DeleteOne(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	return s.delete(ctx, coll, filter, true)
}

// DeleteMany removes every matching row.
func (s *SQLiteStore) DeleteMany(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	return s.delete(ctx, coll, filter, false)
}

func (s *SQLiteStore) delete(ctx context.Context, coll Collection, filter Filter, single bool) (int64, error) {
	schema, filter, err := prepareSQL(coll, filter)
	if err != nil {
		return 0, err
	}

	table := quoteIdent(string(schema.name))
	where, args := whereClause(schema, filter)
	query := "DELETE FROM " + table
	if single {
		query += fmt.Sprintf(" WHERE rowid = (SELECT rowid FROM %s%s ORDER BY rowid LIMIT 1)", table, where)
	} else {
		query += where
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrapErr(ctx, "deleting from "+string(coll), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrapErr(ctx, "deleting from "+string(coll), err)
	}
	return n, nil
}

// WithTransaction runs fn inside a single SQLite transaction.
// Calls on a store that is already inside a transaction reuse it.
func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(ctx, "beginning transaction", err)
	}

	txStore := &SQLiteStore{db: s.db, q: sqlTx, inTx: true, logger: s.logger}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return s.wrapErr(ctx, "committing transaction", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrapErr(ctx, "pinging database", err)
	}
	return nil
}

// Close closes the database connection. Closing a transaction-scoped store is a no-op.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// wrapErr classifies a driver error as a duplicate key, a context error or an outage.
func (s *SQLiteStore) wrapErr(ctx context.Context, op string, err error) error {
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// isUniqueConstraintError checks if the error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func prepareSQL(coll Collection, filter Filter) (*collectionSchema, Filter, error) {
	schema, err := schemaFor(coll)
	if err != nil {
		return nil, nil, err
	}
	filter, err = schema.normalizeFilter(filter)
	if err != nil {
		return nil, nil, err
	}
	return schema, filter, nil
}

// whereClause renders filter in schema field order so queries are deterministic.
func whereClause(schema *collectionSchema, filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var (
		conds []string
		args  []any
	)
	for _, f := range schema.fields {
		if v, ok := filter[f.name]; ok {
			conds = append(conds, quoteIdent(f.name)+" = ?")
			args = append(args, encodeValue(v))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return val.UTC().Format(sqliteTimeLayout)
	default:
		return val
	}
}

func decodeRow(schema *collectionSchema, dest []any) (Document, error) {
	doc := make(Document, len(schema.fields))
	for i, f := range schema.fields {
		switch f.kind {
		case kindInt, kindBool:
			n := dest[i].(*sql.NullInt64)
			if !n.Valid {
				continue
			}
			if f.kind == kindBool {
				doc[f.name] = n.Int64 != 0
			} else {
				doc[f.name] = n.Int64
			}
		case kindTime:
			str := dest[i].(*sql.NullString)
			if !str.Valid {
				continue
			}
			t, err := time.Parse(sqliteTimeLayout, str.String)
			if err != nil {
				return nil, fmt.Errorf("parsing %s.%s: %w", schema.name, f.name, err)
			}
			doc[f.name] = t
		default:
			str := dest[i].(*sql.NullString)
			if !str.Valid {
				continue
			}
			doc[f.name] = str.String
		}
	}
	return doc, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ Transactor = (*SQLiteStore)(nil)
