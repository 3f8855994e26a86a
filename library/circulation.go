package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultLoanPeriod is how long a copy may be kept.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// allocationAttempts bounds how many candidate copies a borrow or
// reservation tries before reporting ErrConflict.
const allocationAttempts = 3

const (
	loanColumns        = `id, book_item_id, book_id, member_id, borrowed_on, due_date, returned_on`
	reservationColumns = `id, book_item_id, book_id, member_id, reserved_on`
)

// LoanFilter narrows ListLoans. Zero values mean "no filter".
type LoanFilter struct {
	MemberID int64
	BookID   int64
	OpenOnly bool
}

func (d *Database) requireMember(ctx context.Context, q sqlx.ExtContext, memberID int64) error {
	ok, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM members WHERE id=?)`, memberID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("member: %w", ErrNotFound)
	}
	return nil
}

func hasOpenLoan(ctx context.Context, q sqlx.ExtContext, memberID, bookID int64) (bool, error) {
	return exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM borrowed_books
        WHERE member_id=? AND book_id=? AND returned_on IS NULL)`, memberID, bookID)
}

// allocateCopy moves the lowest-numbered available copy of bookID to
// status `to`. The status update is a compare-and-swap, so a copy taken
// by a concurrent transaction is skipped and the next one tried.
func allocateCopy(ctx context.Context, tx *sqlx.Tx, bookID int64, to CopyStatus) (int64, error) {
	for attempt := 0; attempt < allocationAttempts; attempt++ {
		var itemID int64
		err := get(ctx, tx, &itemID, `SELECT id FROM book_items WHERE book_id=? AND status=? ORDER BY id LIMIT 1`,
			bookID, StatusAvailable)
		if errors.Is(err, sql.ErrNoRows) {
			if attempt == 0 {
				return 0, ErrUnavailable
			}
			// Copies existed a moment ago but concurrent requests took them.
			return 0, ErrConflict
		}
		if err != nil {
			return 0, fmt.Errorf("select copy: %w", err)
		}

		res, err := exec(ctx, tx, `UPDATE book_items SET status=? WHERE id=? AND status=?`, to, itemID, StatusAvailable)
		if err != nil {
			return 0, fmt.Errorf("claim copy: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return itemID, nil
		}
	}
	return 0, ErrConflict
}

// ledgerConflict maps a unique-index violation on a ledger insert to the
// domain error it represents.
func ledgerConflict(err error, memberErr error) error {
	detail, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	if strings.Contains(detail, "member") {
		return memberErr
	}
	return ErrConflict
}

// RequestBorrow lends a copy of bookID to memberID. A copy the member has
// reserved is preferred; otherwise the first available copy is taken.
// Everything happens in one transaction.
func (d *Database) RequestBorrow(ctx context.Context, bookID, memberID int64, today time.Time, period time.Duration) (*BorrowedBook, error) {
	if period <= 0 {
		period = DefaultLoanPeriod
	}
	today = dateOnly(today)
	loan := &BorrowedBook{
		BookID:     bookID,
		MemberID:   memberID,
		BorrowedOn: today,
		DueDate:    dateOnly(today.Add(period)),
	}

	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := d.requireBook(ctx, tx, bookID); err != nil {
			return err
		}
		if err := d.requireMember(ctx, tx, memberID); err != nil {
			return err
		}

		open, err := hasOpenLoan(ctx, tx, memberID, bookID)
		if err != nil {
			return err
		}
		if open {
			return ErrAlreadyBorrowed
		}

		var hold ReservedBook
		err = get(ctx, tx, &hold, `SELECT `+reservationColumns+` FROM reserved_books WHERE member_id=? AND book_id=?`, memberID, bookID)
		switch {
		case err == nil:
			// Hand the held copy over to the member and consume the hold.
			if err := mustAffect(exec(ctx, tx, `UPDATE book_items SET status=? WHERE id=? AND status=?`,
				StatusBorrowed, hold.BookItemID, StatusReserved)); err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrConflict
				}
				return err
			}
			if _, err := exec(ctx, tx, `DELETE FROM reserved_books WHERE id=?`, hold.ID); err != nil {
				return fmt.Errorf("consume reservation: %w", err)
			}
			loan.BookItemID = hold.BookItemID
		case errors.Is(err, sql.ErrNoRows):
			if loan.BookItemID, err = allocateCopy(ctx, tx, bookID, StatusBorrowed); err != nil {
				return err
			}
		default:
			return fmt.Errorf("lookup reservation: %w", err)
		}

		loan.ID, err = insertReturningID(ctx, tx, `INSERT INTO borrowed_books(book_item_id,book_id,member_id,borrowed_on,due_date)
            VALUES(?,?,?,?,?) RETURNING id`, loan.BookItemID, loan.BookID, loan.MemberID, loan.BorrowedOn, loan.DueDate)
		if err != nil {
			return ledgerConflict(err, ErrAlreadyBorrowed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ReturnBook closes an open loan and frees its copy.
func (d *Database) ReturnBook(ctx context.Context, loanID int64, today time.Time) (*BorrowedBook, error) {
	today = dateOnly(today)
	var loan BorrowedBook
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := get(ctx, tx, &loan, `SELECT `+loanColumns+` FROM borrowed_books WHERE id=?`, loanID); err != nil {
			return notFound(err, "loan")
		}
		if !loan.Open() {
			return fieldError("returned_on", "This loan has already been returned.")
		}
		// A concurrent return may have closed it since the read above.
		err := mustAffect(exec(ctx, tx, `UPDATE borrowed_books SET returned_on=? WHERE id=? AND returned_on IS NULL`, today, loanID))
		if errors.Is(err, ErrNotFound) {
			return fieldError("returned_on", "This loan has already been returned.")
		}
		if err != nil {
			return fmt.Errorf("close loan: %w", err)
		}
		if _, err := exec(ctx, tx, `UPDATE book_items SET status=? WHERE id=?`, StatusAvailable, loan.BookItemID); err != nil {
			return fmt.Errorf("free copy: %w", err)
		}
		loan.ReturnedOn = &today
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (d *Database) GetLoan(ctx context.Context, id int64) (*BorrowedBook, error) {
	var loan BorrowedBook
	if err := get(ctx, d.db, &loan, `SELECT `+loanColumns+` FROM borrowed_books WHERE id=?`, id); err != nil {
		return nil, notFound(err, "loan")
	}
	return &loan, nil
}

// ListLoans returns loans newest first.
func (d *Database) ListLoans(ctx context.Context, f LoanFilter) ([]*BorrowedBook, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.MemberID != 0 {
		conds = append(conds, "member_id=?")
		args = append(args, f.MemberID)
	}
	if f.BookID != 0 {
		conds = append(conds, "book_id=?")
		args = append(args, f.BookID)
	}
	if f.OpenOnly {
		conds = append(conds, "returned_on IS NULL")
	}
	query := `SELECT ` + loanColumns + ` FROM borrowed_books`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY borrowed_on DESC, id DESC"

	loans := []*BorrowedBook{}
	if err := selectAll(ctx, d.db, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// Reserve places a hold on the first available copy of bookID for
// memberID. The copy leaves circulation until it is borrowed by that
// member or the reservation is cancelled.
func (d *Database) Reserve(ctx context.Context, bookID, memberID int64, today time.Time) (*ReservedBook, error) {
	hold := &ReservedBook{BookID: bookID, MemberID: memberID, ReservedOn: dateOnly(today)}
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := d.requireBook(ctx, tx, bookID); err != nil {
			return err
		}
		if err := d.requireMember(ctx, tx, memberID); err != nil {
			return err
		}

		open, err := hasOpenLoan(ctx, tx, memberID, bookID)
		if err != nil {
			return err
		}
		if open {
			return ErrAlreadyBorrowed
		}
		held, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM reserved_books WHERE member_id=? AND book_id=?)`, memberID, bookID)
		if err != nil {
			return err
		}
		if held {
			return ErrAlreadyReserved
		}

		if hold.BookItemID, err = allocateCopy(ctx, tx, bookID, StatusReserved); err != nil {
			return err
		}
		hold.ID, err = insertReturningID(ctx, tx, `INSERT INTO reserved_books(book_item_id,book_id,member_id,reserved_on)
            VALUES(?,?,?,?) RETURNING id`, hold.BookItemID, hold.BookID, hold.MemberID, hold.ReservedOn)
		if err != nil {
			return ledgerConflict(err, ErrAlreadyReserved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// CancelReservation drops a hold and returns its copy to circulation.
func (d *Database) CancelReservation(ctx context.Context, id int64) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var hold ReservedBook
		if err := get(ctx, tx, &hold, `SELECT `+reservationColumns+` FROM reserved_books WHERE id=?`, id); err != nil {
			return notFound(err, "reservation")
		}
		if err := mustAffect(exec(ctx, tx, `DELETE FROM reserved_books WHERE id=?`, id)); err != nil {
			return notFound(err, "reservation")
		}
		_, err := exec(ctx, tx, `UPDATE book_items SET status=? WHERE id=? AND status=?`,
			StatusAvailable, hold.BookItemID, StatusReserved)
		return err
	})
}

func (d *Database) GetReservation(ctx context.Context, id int64) (*ReservedBook, error) {
	var hold ReservedBook
	if err := get(ctx, d.db, &hold, `SELECT `+reservationColumns+` FROM reserved_books WHERE id=?`, id); err != nil {
		return nil, notFound(err, "reservation")
	}
	return &hold, nil
}

// ListReservations returns holds oldest first. memberID 0 lists all.
func (d *Database) ListReservations(ctx context.Context, memberID int64) ([]*ReservedBook, error) {
	holds := []*ReservedBook{}
	var err error
	if memberID != 0 {
		err = selectAll(ctx, d.db, &holds, `SELECT `+reservationColumns+` FROM reserved_books WHERE member_id=? ORDER BY reserved_on, id`, memberID)
	} else {
		err = selectAll(ctx, d.db, &holds, `SELECT `+reservationColumns+` FROM reserved_books ORDER BY reserved_on, id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return holds, nil
}
