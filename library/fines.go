package library

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultFineRateCents is charged per day a copy is overdue.
const DefaultFineRateCents = 25

// FineFilter narrows ListFines.
type FineFilter struct {
	MemberID   int64
	UnpaidOnly bool
}

// Assessment summarises one AssessOverdueFines run.
type Assessment struct {
	Created  int `json:"created"`
	Repriced int `json:"repriced"`
}

const fineColumns = `id, member_id, borrowed_book_id, amount_cents, paid`

func (d *Database) GetFine(ctx context.Context, id int64) (*Fine, error) {
	var f Fine
	if err := get(ctx, d.db, &f, `SELECT `+fineColumns+` FROM fines WHERE id=?`, id); err != nil {
		return nil, notFound(err, "fine")
	}
	return &f, nil
}

func (d *Database) ListFines(ctx context.Context, filter FineFilter) ([]*Fine, error) {
	query := `SELECT ` + fineColumns + ` FROM fines WHERE 1=1`
	var args []interface{}
	if filter.MemberID != 0 {
		query += ` AND member_id=?`
		args = append(args, filter.MemberID)
	}
	if filter.UnpaidOnly {
		query += ` AND paid=?`
		args = append(args, false)
	}
	query += ` ORDER BY id`

	fines := []*Fine{}
	if err := selectAll(ctx, d.db, &fines, query, args...); err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	return fines, nil
}

func (d *Database) DeleteFine(ctx context.Context, id int64) error {
	if err := mustAffect(exec(ctx, d.db, `DELETE FROM fines WHERE id=?`, id)); err != nil {
		return notFound(err, "fine")
	}
	return nil
}

// overdueDays counts whole days between due and end.
func overdueDays(due, end time.Time) int64 {
	days := int64(dateOnly(end).Sub(dateOnly(due)) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

// AssessOverdueFines prices every loan that is open past its due date as
// of asOf, or that was returned late, at rateCents per overdue day. Loans
// without a fine get one; unpaid fines are repriced; paid fines are left
// alone.
func (d *Database) AssessOverdueFines(ctx context.Context, asOf time.Time, rateCents int64) (Assessment, error) {
	if rateCents <= 0 {
		rateCents = DefaultFineRateCents
	}
	asOf = dateOnly(asOf)

	var result Assessment
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			LoanID     int64         `db:"loan_id"`
			MemberID   int64         `db:"member_id"`
			DueDate    time.Time     `db:"due_date"`
			ReturnedOn *time.Time    `db:"returned_on"`
			FineID     sql.NullInt64 `db:"fine_id"`
			Amount     sql.NullInt64 `db:"amount_cents"`
			Paid       sql.NullBool  `db:"paid"`
		}
		err := selectAll(ctx, tx, &rows, `SELECT l.id AS loan_id, l.member_id, l.due_date, l.returned_on,
                f.id AS fine_id, f.amount_cents, f.paid
            FROM borrowed_books l LEFT JOIN fines f ON f.borrowed_book_id = l.id
            WHERE (l.returned_on IS NULL AND l.due_date < ?)
               OR (l.returned_on IS NOT NULL AND l.returned_on > l.due_date)`, asOf)
		if err != nil {
			return fmt.Errorf("select overdue loans: %w", err)
		}

		for _, r := range rows {
			end := asOf
			if r.ReturnedOn != nil {
				end = *r.ReturnedOn
			}
			amount := overdueDays(r.DueDate, end) * rateCents
			if amount == 0 {
				continue
			}
			switch {
			case !r.FineID.Valid:
				if _, err := exec(ctx, tx, `INSERT INTO fines(member_id,borrowed_book_id,amount_cents,paid) VALUES(?,?,?,?)`,
					r.MemberID, r.LoanID, amount, false); err != nil {
					return fmt.Errorf("insert fine for loan %d: %w", r.LoanID, err)
				}
				result.Created++
			case !r.Paid.Bool && r.Amount.Int64 != amount:
				if _, err := exec(ctx, tx, `UPDATE fines SET amount_cents=? WHERE id=?`, amount, r.FineID.Int64); err != nil {
					return fmt.Errorf("reprice fine %d: %w", r.FineID.Int64, err)
				}
				result.Repriced++
			}
		}
		return nil
	})
	if err != nil {
		return Assessment{}, err
	}
	return result, nil
}
