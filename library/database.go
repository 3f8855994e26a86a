package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

// Database provides high-level helpers around a SQL connection pool.
// Queries are written with '?' placeholders and rebound per driver.
type Database struct {
	db     *sqlx.DB
	driver string
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string) (*Database, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects using driver and dsn, applies schema migrations and
// returns the ready Database. For sqlite3 a bare file path is accepted.
func Open(driver, dsn string) (*Database, error) {
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			// Ensure directory exists so first-run succeeds.
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create db dir: %w", err)
				}
			}
			// Writers take the lock at BEGIN so circulation transactions serialise.
			dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dsn)
		}
	case DriverPostgres, DriverPGX:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver != DriverSQLite {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(time.Hour)
	}

	d := newDatabase(db)
	if err := d.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func newDatabase(db *sqlx.DB) *Database {
	return &Database{db: db, driver: db.DriverName()}
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// goquDialect names the goqu dialect matching the driver.
func (d *Database) goquDialect() string {
	if d.driver == DriverSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func (d *Database) schemaStatements() []string {
	pk := "BIGSERIAL PRIMARY KEY"
	if d.driver == DriverSQLite {
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
            id ` + pk + `,
            username TEXT NOT NULL,
            password_hash TEXT NOT NULL,
            email TEXT NOT NULL,
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            is_admin BOOLEAN NOT NULL DEFAULT FALSE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            date_joined TIMESTAMP NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users(username);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users(email);`,
		`CREATE TABLE IF NOT EXISTS members (
            id ` + pk + `,
            user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            membership_code TEXT NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS members_user_key ON members(user_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS members_membership_code_key ON members(membership_code);`,
		`CREATE TABLE IF NOT EXISTS librarians (
            id ` + pk + `,
            user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            staff_code TEXT NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS librarians_user_key ON librarians(user_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS librarians_staff_code_key ON librarians(staff_code);`,
		`CREATE TABLE IF NOT EXISTS authors (
            id ` + pk + `,
            name TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id ` + pk + `,
            title TEXT NOT NULL,
            isbn TEXT NOT NULL DEFAULT '',
            subject TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS book_authors (
            book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            author_id BIGINT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
            PRIMARY KEY (book_id, author_id)
        );`,
		`CREATE TABLE IF NOT EXISTS book_items (
            id ` + pk + `,
            book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            barcode TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'available'
        );`,
		`CREATE INDEX IF NOT EXISTS book_items_book_status ON book_items(book_id, status);`,
		`CREATE TABLE IF NOT EXISTS borrowed_books (
            id ` + pk + `,
            book_item_id BIGINT NOT NULL REFERENCES book_items(id) ON DELETE CASCADE,
            book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            borrowed_on DATE NOT NULL,
            due_date DATE NOT NULL,
            returned_on DATE
        );`,
		// One open loan per copy, and one open loan per member and title.
		`CREATE UNIQUE INDEX IF NOT EXISTS borrowed_books_open_item_key
            ON borrowed_books(book_item_id) WHERE returned_on IS NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS borrowed_books_open_member_book_key
            ON borrowed_books(member_id, book_id) WHERE returned_on IS NULL;`,
		`CREATE TABLE IF NOT EXISTS reserved_books (
            id ` + pk + `,
            book_item_id BIGINT NOT NULL REFERENCES book_items(id) ON DELETE CASCADE,
            book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            reserved_on DATE NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS reserved_books_item_key ON reserved_books(book_item_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS reserved_books_member_book_key ON reserved_books(member_id, book_id);`,
		`CREATE TABLE IF NOT EXISTS fines (
            id ` + pk + `,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            borrowed_book_id BIGINT NOT NULL REFERENCES borrowed_books(id) ON DELETE CASCADE,
            amount_cents BIGINT NOT NULL,
            paid BOOLEAN NOT NULL DEFAULT FALSE
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS fines_borrowed_book_key ON fines(borrowed_book_id);`,
	}
}

// Migrate brings the schema up to schemaVersion. It is idempotent.
func (d *Database) Migrate(ctx context.Context) error {
	if d.driver == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var current string
	err := d.db.QueryRowxContext(ctx, `SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == fmt.Sprint(schemaVersion) {
		return nil
	}

	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range d.schemaStatements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`), fmt.Sprint(schemaVersion))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Query helpers
// ---------------------------------------------------------------------------

func (d *Database) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func get(ctx context.Context, q sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
}

func selectAll(ctx context.Context, q sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q, dest, q.Rebind(query), args...)
}

func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

// insertReturningID runs an INSERT … RETURNING id statement.
func insertReturningID(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := q.QueryRowxContext(ctx, q.Rebind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// exists evaluates a SELECT EXISTS(...) query.
func exists(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := q.QueryRowxContext(ctx, q.Rebind(query), args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// mustAffect turns a zero-row UPDATE/DELETE into ErrNotFound.
func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// uniqueViolation reports whether err is a unique-constraint failure and
// returns the driver's description of the constraint (index name on
// PostgreSQL, "table.column" list on SQLite).
func uniqueViolation(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return sqliteErr.Error(), true
		}
		return "", false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint, pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == "23505"
	}
	return "", false
}

// dateOnly returns t's calendar date, read in t's own location, as
// midnight UTC. Dates are stored without a zone.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
