package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LibraryManager is the façade the HTTP and CLI layers talk to. Every
// operation takes the resolved Caller and checks it against Policies
// before touching the Database.
type LibraryManager struct {
	db         *Database
	now        func() time.Time
	loanPeriod time.Duration
	fineRate   int64
	log        logrus.FieldLogger
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) { lm.now = now }
}

func WithLoanPeriod(d time.Duration) Option {
	return func(lm *LibraryManager) {
		if d > 0 {
			lm.loanPeriod = d
		}
	}
}

// WithFineRate sets the per-day overdue fine in cents.
func WithFineRate(cents int64) Option {
	return func(lm *LibraryManager) {
		if cents > 0 {
			lm.fineRate = cents
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(lm *LibraryManager) { lm.log = l }
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return NewManager(db, opts...), nil
}

// NewManager wraps an already opened Database.
func NewManager(db *Database, opts ...Option) *LibraryManager {
	lm := &LibraryManager{
		db:         db,
		now:        time.Now,
		loanPeriod: DefaultLoanPeriod,
		fineRate:   DefaultFineRateCents,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

func (lm *LibraryManager) Ping(ctx context.Context) error { return lm.db.Ping(ctx) }

// LoanPeriod is the configured loan length.
func (lm *LibraryManager) LoanPeriod() time.Duration { return lm.loanPeriod }

// ------------------ Identity ------------------

// Authenticate checks a username and password.
func (lm *LibraryManager) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	return lm.db.Authenticate(ctx, username, password)
}

// ResolveCaller turns an authenticated user id into a Caller.
func (lm *LibraryManager) ResolveCaller(ctx context.Context, userID int64) (Caller, error) {
	return lm.db.ResolveCaller(ctx, userID)
}

// Register signs up a new member from the public form.
func (lm *LibraryManager) Register(ctx context.Context, c Caller, r Registration) (*Member, error) {
	if err := Authorize(c, ResourceRegistration, OpCreate); err != nil {
		return nil, err
	}
	m, err := lm.db.RegisterMember(ctx, r, lm.now())
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{"member_id": m.ID, "username": m.User.Username}).Info("member registered")
	return m, nil
}

// CreateAdministrator is used by the create-admin command.
func (lm *LibraryManager) CreateAdministrator(ctx context.Context, c Caller, in IdentityInput) (*Identity, error) {
	if c.Tier() < TierAdministrator {
		if !c.Authenticated() {
			return nil, ErrUnauthorized
		}
		return nil, ErrForbidden
	}
	return lm.db.CreateAdministrator(ctx, in, lm.now())
}

// ------------------ Catalog ------------------

func (lm *LibraryManager) ListBooks(ctx context.Context, c Caller, f BookFilter) (*BookPage, error) {
	if err := Authorize(c, ResourceBooks, OpList); err != nil {
		return nil, err
	}
	return lm.db.ListBooks(ctx, f)
}

func (lm *LibraryManager) ListSubjects(ctx context.Context, c Caller) ([]string, error) {
	if err := Authorize(c, ResourceBooks, OpList); err != nil {
		return nil, err
	}
	return lm.db.ListSubjects(ctx)
}

func (lm *LibraryManager) GetBook(ctx context.Context, c Caller, id int64) (*Book, error) {
	if err := Authorize(c, ResourceBooks, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetBook(ctx, id)
}

func (lm *LibraryManager) CreateBook(ctx context.Context, c Caller, in BookInput) (*Book, error) {
	if err := Authorize(c, ResourceBooks, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.CreateBook(ctx, in)
}

func (lm *LibraryManager) UpdateBook(ctx context.Context, c Caller, id int64, in BookInput) (*Book, error) {
	if err := Authorize(c, ResourceBooks, OpUpdate); err != nil {
		return nil, err
	}
	return lm.db.UpdateBook(ctx, id, in)
}

func (lm *LibraryManager) DeleteBook(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceBooks, OpDelete); err != nil {
		return err
	}
	return lm.db.DeleteBook(ctx, id)
}

func (lm *LibraryManager) ListAuthors(ctx context.Context, c Caller, name string) ([]*Author, error) {
	if err := Authorize(c, ResourceAuthors, OpList); err != nil {
		return nil, err
	}
	return lm.db.ListAuthors(ctx, name)
}

// AuthorBooks is the list-only companion of ListAuthors.
func (lm *LibraryManager) AuthorBooks(ctx context.Context, c Caller, authorIDs []int64) (map[int64][]BookRef, error) {
	if err := Authorize(c, ResourceAuthors, OpList); err != nil {
		return nil, err
	}
	return lm.db.AuthorBooks(ctx, authorIDs)
}

func (lm *LibraryManager) GetAuthor(ctx context.Context, c Caller, id int64) (*Author, error) {
	if err := Authorize(c, ResourceAuthors, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetAuthor(ctx, id)
}

func (lm *LibraryManager) CreateAuthor(ctx context.Context, c Caller, in AuthorInput) (*Author, error) {
	if err := Authorize(c, ResourceAuthors, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.CreateAuthor(ctx, in)
}

func (lm *LibraryManager) UpdateAuthor(ctx context.Context, c Caller, id int64, in AuthorInput) (*Author, error) {
	if err := Authorize(c, ResourceAuthors, OpUpdate); err != nil {
		return nil, err
	}
	return lm.db.UpdateAuthor(ctx, id, in)
}

func (lm *LibraryManager) DeleteAuthor(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceAuthors, OpDelete); err != nil {
		return err
	}
	return lm.db.DeleteAuthor(ctx, id)
}

func (lm *LibraryManager) ListItems(ctx context.Context, c Caller, bookID int64, status CopyStatus) ([]*BookItem, error) {
	if err := Authorize(c, ResourceBookItems, OpList); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, fieldError("status", fmt.Sprintf("%q is not a valid choice.", string(status)))
	}
	return lm.db.ListItems(ctx, bookID, status)
}

func (lm *LibraryManager) GetItem(ctx context.Context, c Caller, bookID, id int64) (*BookItem, error) {
	if err := Authorize(c, ResourceBookItems, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetItem(ctx, bookID, id)
}

func (lm *LibraryManager) CreateItem(ctx context.Context, c Caller, bookID int64, in ItemInput) (*BookItem, error) {
	if err := Authorize(c, ResourceBookItems, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.CreateItem(ctx, bookID, in)
}

// AddCopies is the bulk form of CreateItem used by the importer.
func (lm *LibraryManager) AddCopies(ctx context.Context, c Caller, bookID int64, n int) ([]*BookItem, error) {
	if err := Authorize(c, ResourceBookItems, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.AddCopies(ctx, bookID, n)
}

func (lm *LibraryManager) UpdateItem(ctx context.Context, c Caller, bookID, id int64, in ItemInput) (*BookItem, error) {
	if err := Authorize(c, ResourceBookItems, OpUpdate); err != nil {
		return nil, err
	}
	return lm.db.UpdateItem(ctx, bookID, id, in)
}

func (lm *LibraryManager) DeleteItem(ctx context.Context, c Caller, bookID, id int64) error {
	if err := Authorize(c, ResourceBookItems, OpDelete); err != nil {
		return err
	}
	return lm.db.DeleteItem(ctx, bookID, id)
}

// ------------------ Members & librarians ------------------

func (lm *LibraryManager) ListMembers(ctx context.Context, c Caller) ([]*Member, error) {
	if err := Authorize(c, ResourceMembers, OpList); err != nil {
		return nil, err
	}
	return lm.db.GetAllMembers(ctx)
}

func (lm *LibraryManager) GetMember(ctx context.Context, c Caller, id int64) (*Member, error) {
	if err := Authorize(c, ResourceMembers, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetMember(ctx, id)
}

func (lm *LibraryManager) CreateMember(ctx context.Context, c Caller, in IdentityInput) (*Member, error) {
	if err := Authorize(c, ResourceMembers, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.CreateMember(ctx, in, lm.now())
}

func (lm *LibraryManager) UpdateMember(ctx context.Context, c Caller, id int64, in IdentityInput) (*Member, error) {
	if err := Authorize(c, ResourceMembers, OpUpdate); err != nil {
		return nil, err
	}
	return lm.db.UpdateMember(ctx, id, in)
}

func (lm *LibraryManager) DeleteMember(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceMembers, OpDelete); err != nil {
		return err
	}
	if err := lm.db.DeleteMember(ctx, id); err != nil {
		return err
	}
	lm.log.WithField("member_id", id).Info("member deleted")
	return nil
}

func (lm *LibraryManager) ListLibrarians(ctx context.Context, c Caller) ([]*Librarian, error) {
	if err := Authorize(c, ResourceLibrarians, OpList); err != nil {
		return nil, err
	}
	return lm.db.GetAllLibrarians(ctx)
}

func (lm *LibraryManager) GetLibrarian(ctx context.Context, c Caller, id int64) (*Librarian, error) {
	if err := Authorize(c, ResourceLibrarians, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetLibrarian(ctx, id)
}

func (lm *LibraryManager) CreateLibrarian(ctx context.Context, c Caller, in IdentityInput) (*Librarian, error) {
	if err := Authorize(c, ResourceLibrarians, OpCreate); err != nil {
		return nil, err
	}
	return lm.db.CreateLibrarian(ctx, in, lm.now())
}

func (lm *LibraryManager) UpdateLibrarian(ctx context.Context, c Caller, id int64, in IdentityInput) (*Librarian, error) {
	if err := Authorize(c, ResourceLibrarians, OpUpdate); err != nil {
		return nil, err
	}
	return lm.db.UpdateLibrarian(ctx, id, in)
}

func (lm *LibraryManager) DeleteLibrarian(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceLibrarians, OpDelete); err != nil {
		return err
	}
	return lm.db.DeleteLibrarian(ctx, id)
}

// ------------------ Circulation ------------------

// LedgerRequest is the body of a borrow or reserve request. Borrower is
// required when staff act for a member and ignored for members.
type LedgerRequest struct {
	Book     int64 `json:"book"`
	Borrower int64 `json:"borrower"`
}

// borrowerFor decides whose ledger a borrow or reservation goes on.
func (lm *LibraryManager) borrowerFor(ctx context.Context, c Caller, borrower int64) (int64, error) {
	if !c.IsStaff() {
		if borrower != 0 && borrower != c.MemberID() {
			return 0, ErrForbidden
		}
		return c.MemberID(), nil
	}
	if borrower == 0 {
		return 0, fieldError("borrower", "This field is required.")
	}
	if _, err := lm.db.GetMember(ctx, borrower); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fieldError("borrower", fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", borrower))
		}
		return 0, err
	}
	return borrower, nil
}

func validateLedgerRequest(r LedgerRequest) error {
	if r.Book == 0 {
		return fieldError("book", "This field is required.")
	}
	return nil
}

// RequestBorrow lends a copy of r.Book to the borrower.
func (lm *LibraryManager) RequestBorrow(ctx context.Context, c Caller, r LedgerRequest) (*BorrowedBook, error) {
	if err := Authorize(c, ResourceBorrowed, OpCreate); err != nil {
		return nil, err
	}
	if err := validateLedgerRequest(r); err != nil {
		return nil, err
	}
	memberID, err := lm.borrowerFor(ctx, c, r.Borrower)
	if err != nil {
		return nil, err
	}
	loan, err := lm.db.RequestBorrow(ctx, r.Book, memberID, lm.now(), lm.loanPeriod)
	if err != nil {
		lm.log.WithFields(logrus.Fields{"book_id": r.Book, "member_id": memberID}).WithError(err).Debug("borrow refused")
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"book_id":      loan.BookID,
		"book_item_id": loan.BookItemID,
		"member_id":    loan.MemberID,
		"due_date":     loan.DueDate.Format(time.DateOnly),
	}).Info("book borrowed")
	return loan, nil
}

// ReturnBook closes a loan. Only staff may do this.
func (lm *LibraryManager) ReturnBook(ctx context.Context, c Caller, loanID int64) (*BorrowedBook, error) {
	if err := Authorize(c, ResourceBorrowed, OpDelete); err != nil {
		return nil, err
	}
	loan, err := lm.db.ReturnBook(ctx, loanID, lm.now())
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"book_item_id": loan.BookItemID,
		"member_id":    loan.MemberID,
	}).Info("book returned")
	return loan, nil
}

// ListLoans lists loans. Members only ever see their own.
func (lm *LibraryManager) ListLoans(ctx context.Context, c Caller, f LoanFilter) ([]*BorrowedBook, error) {
	if err := Authorize(c, ResourceBorrowed, OpList); err != nil {
		return nil, err
	}
	if !c.IsStaff() {
		f.MemberID = c.MemberID()
	}
	return lm.db.ListLoans(ctx, f)
}

func (lm *LibraryManager) GetLoan(ctx context.Context, c Caller, id int64) (*BorrowedBook, error) {
	if err := Authorize(c, ResourceBorrowed, OpRetrieve); err != nil {
		return nil, err
	}
	loan, err := lm.db.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsStaff() && loan.MemberID != c.MemberID() {
		return nil, fmt.Errorf("loan: %w", ErrNotFound)
	}
	return loan, nil
}

// Reserve places a hold on a copy of r.Book for the borrower.
func (lm *LibraryManager) Reserve(ctx context.Context, c Caller, r LedgerRequest) (*ReservedBook, error) {
	if err := Authorize(c, ResourceReserved, OpCreate); err != nil {
		return nil, err
	}
	if err := validateLedgerRequest(r); err != nil {
		return nil, err
	}
	memberID, err := lm.borrowerFor(ctx, c, r.Borrower)
	if err != nil {
		return nil, err
	}
	hold, err := lm.db.Reserve(ctx, r.Book, memberID, lm.now())
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{
		"reservation_id": hold.ID,
		"book_id":        hold.BookID,
		"book_item_id":   hold.BookItemID,
		"member_id":      hold.MemberID,
	}).Info("book reserved")
	return hold, nil
}

func (lm *LibraryManager) CancelReservation(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceReserved, OpDelete); err != nil {
		return err
	}
	if err := lm.db.CancelReservation(ctx, id); err != nil {
		return err
	}
	lm.log.WithField("reservation_id", id).Info("reservation cancelled")
	return nil
}

// ListReservations lists holds. Members only ever see their own.
func (lm *LibraryManager) ListReservations(ctx context.Context, c Caller) ([]*ReservedBook, error) {
	if err := Authorize(c, ResourceReserved, OpList); err != nil {
		return nil, err
	}
	var memberID int64
	if !c.IsStaff() {
		memberID = c.MemberID()
	}
	return lm.db.ListReservations(ctx, memberID)
}

func (lm *LibraryManager) GetReservation(ctx context.Context, c Caller, id int64) (*ReservedBook, error) {
	if err := Authorize(c, ResourceReserved, OpRetrieve); err != nil {
		return nil, err
	}
	hold, err := lm.db.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsStaff() && hold.MemberID != c.MemberID() {
		return nil, fmt.Errorf("reservation: %w", ErrNotFound)
	}
	return hold, nil
}

// ------------------ Fines ------------------

func (lm *LibraryManager) ListFines(ctx context.Context, c Caller, f FineFilter) ([]*Fine, error) {
	if err := Authorize(c, ResourceFines, OpList); err != nil {
		return nil, err
	}
	return lm.db.ListFines(ctx, f)
}

func (lm *LibraryManager) GetFine(ctx context.Context, c Caller, id int64) (*Fine, error) {
	if err := Authorize(c, ResourceFines, OpRetrieve); err != nil {
		return nil, err
	}
	return lm.db.GetFine(ctx, id)
}

func (lm *LibraryManager) DeleteFine(ctx context.Context, c Caller, id int64) error {
	if err := Authorize(c, ResourceFines, OpDelete); err != nil {
		return err
	}
	return lm.db.DeleteFine(ctx, id)
}

// AssessOverdueFines runs the fine batch as of asOf. It has no HTTP
// surface and is driven by the assess-fines command.
func (lm *LibraryManager) AssessOverdueFines(ctx context.Context, asOf time.Time) (Assessment, error) {
	res, err := lm.db.AssessOverdueFines(ctx, asOf, lm.fineRate)
	if err != nil {
		return Assessment{}, err
	}
	lm.log.WithFields(logrus.Fields{
		"as_of":      asOf.Format(time.DateOnly),
		"rate_cents": lm.fineRate,
		"created":    res.Created,
		"repriced":   res.Repriced,
	}).Info("fines assessed")
	return res, nil
}
