package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// today is the fixed clock used across the package tests.
var today = time.Date(2026, time.October, 19, 15, 30, 0, 0, time.UTC)

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strp(s string) *string { return &s }

// addBook creates a book with the given number of available copies.
func addBook(t *testing.T, db *Database, title string, copies int) *Book {
	t.Helper()
	ctx := context.Background()
	b, err := db.CreateBook(ctx, BookInput{Title: strp(title)})
	if err != nil {
		t.Fatalf("create book %q: %v", title, err)
	}
	if copies > 0 {
		if _, err := db.AddCopies(ctx, b.ID, copies); err != nil {
			t.Fatalf("add copies: %v", err)
		}
	}
	return b
}

func addMember(t *testing.T, db *Database, username string) *Member {
	t.Helper()
	m, err := db.CreateMember(context.Background(), IdentityInput{
		Username: strp(username),
		Password: strp("correct horse"),
		Email:    strp(username + "@example.org"),
	}, today)
	if err != nil {
		t.Fatalf("create member %q: %v", username, err)
	}
	return m
}

func addLibrarian(t *testing.T, db *Database, username string) *Librarian {
	t.Helper()
	l, err := db.CreateLibrarian(context.Background(), IdentityInput{
		Username: strp(username),
		Password: strp("correct horse"),
		Email:    strp(username + "@example.org"),
	}, today)
	if err != nil {
		t.Fatalf("create librarian %q: %v", username, err)
	}
	return l
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	var version string
	require.NoError(t, get(ctx, db.db, &version, `SELECT value FROM meta WHERE key='schema_version'`))
	assert.Equal(t, fmt.Sprint(schemaVersion), version)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.db")
	db, err := NewDatabase(path)
	require.NoError(t, err)
	b := addBook(t, db, "Persistent", 1)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	got, err := db.GetBook(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persistent", got.Title)
	assert.Equal(t, 1, got.AvailableCopies)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestPingReportsDriverFailure(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	db := newDatabase(sqlx.NewDb(conn, "sqlmock"))
	err = db.Ping(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookWrapsDriverErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery(`SELECT id,title,isbn,subject FROM books`).
		WithArgs(int64(7)).
		WillReturnError(errors.New("disk I/O error"))

	db := newDatabase(sqlx.NewDb(conn, "sqlmock"))
	_, err = db.GetBook(context.Background(), 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnUnreadableVersion(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS meta`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT value FROM meta`).WillReturnError(errors.New("database is locked"))

	db := newDatabase(sqlx.NewDb(conn, "sqlmock"))
	err = db.Migrate(context.Background())
	assert.ErrorContains(t, err, "read schema version")
	assert.ErrorContains(t, err, "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet(), "no schema statements run after a failed read")
}

func TestMustAffect(t *testing.T) {
	assert.ErrorIs(t, mustAffect(sqlmock.NewResult(0, 0), nil), ErrNotFound)
	assert.NoError(t, mustAffect(sqlmock.NewResult(0, 1), nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, mustAffect(nil, boom), boom)
}

func TestDateOnly(t *testing.T) {
	in := time.Date(2026, 3, 9, 23, 59, 0, 0, time.FixedZone("X", -5*3600))
	got := dateOnly(in)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), got, "the local calendar date is kept")

	got = dateOnly(time.Date(2026, 3, 10, 1, 0, 0, 0, time.FixedZone("Y", 9*3600)))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), got)
}
