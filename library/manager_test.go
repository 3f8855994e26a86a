package library

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *LibraryManager {
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)
	mgr, err := NewLibraryManager(filepath.Join(dir, "lib.db"),
		WithClock(func() time.Time { return today }),
		WithLogger(log),
	)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func memberCaller(t *testing.T, mgr *LibraryManager, username string) (Caller, *Member) {
	t.Helper()
	m := addMember(t, mgr.db, username)
	c, err := mgr.ResolveCaller(context.Background(), m.User.ID)
	require.NoError(t, err)
	return c, m
}

func staffCaller(t *testing.T, mgr *LibraryManager, username string) Caller {
	t.Helper()
	l := addLibrarian(t, mgr.db, username)
	c, err := mgr.ResolveCaller(context.Background(), l.User.ID)
	require.NoError(t, err)
	return c
}

func TestAnonymousCatalogAccess(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := addBook(t, mgr.db, "Public", 1)

	page, err := mgr.ListBooks(ctx, Anonymous(), BookFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	_, err = mgr.GetBook(ctx, Anonymous(), book.ID)
	assert.NoError(t, err)
	_, err = mgr.ListItems(ctx, Anonymous(), book.ID, "")
	assert.NoError(t, err)

	_, err = mgr.CreateBook(ctx, Anonymous(), BookInput{Title: strp("Vandal")})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = mgr.UpdateBook(ctx, Anonymous(), book.ID, BookInput{Title: strp("Vandal")})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, mgr.DeleteBook(ctx, Anonymous(), book.ID), ErrUnauthorized)
	_, err = mgr.CreateAuthor(ctx, Anonymous(), AuthorInput{Name: strp("Nobody")})
	assert.ErrorIs(t, err, ErrUnauthorized)

	member, _ := memberCaller(t, mgr, "reader")
	_, err = mgr.CreateBook(ctx, member, BookInput{Title: strp("Vandal")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMemberBorrowsForSelf(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := addBook(t, mgr.db, "Mine", 2)
	c, m := memberCaller(t, mgr, "self")
	_, other := memberCaller(t, mgr, "other")

	loan, err := mgr.RequestBorrow(ctx, c, LedgerRequest{Book: book.ID})
	require.NoError(t, err)
	assert.Equal(t, m.ID, loan.MemberID)
	assert.Equal(t, "2026-11-02", day(loan.DueDate))

	_, err = mgr.RequestBorrow(ctx, c, LedgerRequest{Book: book.ID, Borrower: other.ID})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = mgr.RequestBorrow(ctx, c, LedgerRequest{})
	v, ok := IsValidation(err)
	require.True(t, ok)
	assert.Contains(t, v.Fields, "book")

	_, err = mgr.ReturnBook(ctx, c, loan.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestStaffBorrowOnBehalf(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := addBook(t, mgr.db, "Desk", 1)
	staff := staffCaller(t, mgr, "desk")
	_, m := memberCaller(t, mgr, "patron")

	_, err := mgr.RequestBorrow(ctx, staff, LedgerRequest{Book: book.ID})
	v, ok := IsValidation(err)
	require.True(t, ok)
	assert.Contains(t, v.Fields, "borrower")

	_, err = mgr.RequestBorrow(ctx, staff, LedgerRequest{Book: book.ID, Borrower: 9999})
	v, ok = IsValidation(err)
	require.True(t, ok)
	assert.Contains(t, v.Fields, "borrower")

	loan, err := mgr.RequestBorrow(ctx, staff, LedgerRequest{Book: book.ID, Borrower: m.ID})
	require.NoError(t, err)
	assert.Equal(t, m.ID, loan.MemberID)

	returned, err := mgr.ReturnBook(ctx, staff, loan.ID)
	require.NoError(t, err)
	assert.False(t, returned.Open())
}

func TestProfilelessIdentityCannotBorrow(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin, err := mgr.CreateAdministrator(ctx, System(), IdentityInput{
		Username: strp("boss"), Password: strp("supersecret"), Email: strp("boss@example.org"),
	})
	require.NoError(t, err)

	c, err := mgr.ResolveCaller(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, TierAdministrator, c.Tier())

	_, err = mgr.CreateAdministrator(ctx, Anonymous(), IdentityInput{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Demote to a bare identity.
	_, err = exec(ctx, mgr.db.db, `UPDATE users SET is_admin=? WHERE id=?`, false, admin.ID)
	require.NoError(t, err)
	c, err = mgr.ResolveCaller(ctx, admin.ID)
	require.NoError(t, err)

	book := addBook(t, mgr.db, "Nope", 1)
	_, err = mgr.RequestBorrow(ctx, c, LedgerRequest{Book: book.ID})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMembersSeeOnlyTheirOwnLedger(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := addBook(t, mgr.db, "Shared", 2)
	held := addBook(t, mgr.db, "Held", 2)
	alice, _ := memberCaller(t, mgr, "alice")
	bob, _ := memberCaller(t, mgr, "bob")
	staff := staffCaller(t, mgr, "staff")

	aliceLoan, err := mgr.RequestBorrow(ctx, alice, LedgerRequest{Book: book.ID})
	require.NoError(t, err)
	_, err = mgr.RequestBorrow(ctx, bob, LedgerRequest{Book: book.ID})
	require.NoError(t, err)
	aliceHold, err := mgr.Reserve(ctx, alice, LedgerRequest{Book: held.ID})
	require.NoError(t, err)

	loans, err := mgr.ListLoans(ctx, alice, LoanFilter{})
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, aliceLoan.ID, loans[0].ID)

	all, err := mgr.ListLoans(ctx, staff, LoanFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = mgr.GetLoan(ctx, bob, aliceLoan.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.GetLoan(ctx, alice, aliceLoan.ID)
	assert.NoError(t, err)

	holds, err := mgr.ListReservations(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, holds)
	_, err = mgr.GetReservation(ctx, bob, aliceHold.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, mgr.CancelReservation(ctx, alice, aliceHold.ID), ErrForbidden)
	assert.NoError(t, mgr.CancelReservation(ctx, staff, aliceHold.ID))

	_, err = mgr.ListLoans(ctx, Anonymous(), LoanFilter{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestManagerRegisterAndAccountAdministration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	m, err := mgr.Register(ctx, Anonymous(), registration("newbie", "newbie@example.org"))
	require.NoError(t, err)
	assert.True(t, today.Equal(m.User.DateJoined))

	staff := staffCaller(t, mgr, "clerk")
	members, err := mgr.ListMembers(ctx, staff)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = mgr.ListLibrarians(ctx, staff)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = mgr.CreateLibrarian(ctx, System(), IdentityInput{
		Username: strp("second"), Password: strp("long enough"), Email: strp("second@example.org"),
	})
	assert.NoError(t, err)

	require.NoError(t, mgr.DeleteMember(ctx, staff, m.ID))
	_, err = mgr.GetMember(ctx, staff, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerFines(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := addBook(t, mgr.db, "Overdue", 1)
	c, _ := memberCaller(t, mgr, "tardy")
	staff := staffCaller(t, mgr, "collector")

	loan, err := mgr.RequestBorrow(ctx, c, LedgerRequest{Book: book.ID})
	require.NoError(t, err)

	res, err := mgr.AssessOverdueFines(ctx, loan.DueDate.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	_, err = mgr.ListFines(ctx, c, FineFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	fines, err := mgr.ListFines(ctx, staff, FineFilter{})
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.Equal(t, int64(2*DefaultFineRateCents), fines[0].AmountCents)

	f, err := mgr.GetFine(ctx, staff, fines[0].ID)
	require.NoError(t, err)
	assert.NoError(t, mgr.DeleteFine(ctx, staff, f.ID))
}
