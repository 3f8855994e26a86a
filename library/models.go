package library

import "time"

// CopyStatus is the circulation state of a single physical copy.
type CopyStatus string

const (
	StatusAvailable CopyStatus = "available"
	StatusBorrowed  CopyStatus = "borrowed"
	StatusReserved  CopyStatus = "reserved"
)

// Valid reports whether s is one of the known copy states.
func (s CopyStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBorrowed, StatusReserved:
		return true
	}
	return false
}

// Identity is the authentication record behind every member, librarian
// and administrator.
type Identity struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"` // Don't serialize password hash
	Email        string    `db:"email" json:"email"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	IsAdmin      bool      `db:"is_admin" json:"is_admin"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	DateJoined   time.Time `db:"date_joined" json:"date_joined"`
}

// Member represents a registered library member.
type Member struct {
	ID             int64    `json:"id"`
	MembershipCode string   `json:"membership_code"`
	User           Identity `json:"user"`
}

// Librarian is a staff profile allowed to curate the catalog and
// handle returns.
type Librarian struct {
	ID        int64    `json:"id"`
	StaffCode string   `json:"staff_code"`
	User      Identity `json:"user"`
}

type Author struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Book is a catalog title. Copies are tracked separately as BookItems.
type Book struct {
	ID      int64    `db:"id" json:"id"`
	Title   string   `db:"title" json:"title"`
	ISBN    string   `db:"isbn" json:"isbn"`
	Subject string   `db:"subject" json:"subject"`
	Authors []Author `db:"-" json:"authors"`

	// Copy counts, filled by the read paths.
	TotalCopies     int `db:"-" json:"total_copies"`
	AvailableCopies int `db:"-" json:"available_copies"`
	BorrowedCopies  int `db:"-" json:"borrowed_copies"`
	ReservedCopies  int `db:"-" json:"reserved_copies"`
}

// BookItem is one physical copy of a Book.
type BookItem struct {
	ID      int64      `db:"id" json:"id"`
	BookID  int64      `db:"book_id" json:"book_id"`
	Barcode string     `db:"barcode" json:"barcode"`
	Status  CopyStatus `db:"status" json:"status"`
}

// BorrowedBook is a loan of one copy to one member. A loan is open while
// ReturnedOn is nil.
type BorrowedBook struct {
	ID         int64      `db:"id" json:"id"`
	BookItemID int64      `db:"book_item_id" json:"book_item_id"`
	BookID     int64      `db:"book_id" json:"book_id"`
	MemberID   int64      `db:"member_id" json:"member_id"`
	BorrowedOn time.Time  `db:"borrowed_on" json:"borrowed_on"`
	DueDate    time.Time  `db:"due_date" json:"due_date"`
	ReturnedOn *time.Time `db:"returned_on" json:"returned_on"`
}

// Open reports whether the copy is still out.
func (b *BorrowedBook) Open() bool { return b.ReturnedOn == nil }

// ReservedBook is a hold placed on a specific copy for a member.
type ReservedBook struct {
	ID         int64     `db:"id" json:"id"`
	BookItemID int64     `db:"book_item_id" json:"book_item_id"`
	BookID     int64     `db:"book_id" json:"book_id"`
	MemberID   int64     `db:"member_id" json:"member_id"`
	ReservedOn time.Time `db:"reserved_on" json:"reserved_on"`
}

// Fine is a penalty attached to an overdue loan. Amounts are in cents.
type Fine struct {
	ID             int64 `db:"id" json:"id"`
	MemberID       int64 `db:"member_id" json:"member_id"`
	BorrowedBookID int64 `db:"borrowed_book_id" json:"borrowed_book_id"`
	AmountCents    int64 `db:"amount_cents" json:"amount_cents"`
	Paid           bool  `db:"paid" json:"paid"`
}

// BookFilter narrows ListBooks. Zero values mean "no filter".
type BookFilter struct {
	Search   string
	Author   string
	Subject  string
	Page     int
	PageSize int
}

// BookPage is one page of ListBooks results.
type BookPage struct {
	Books    []*Book `json:"results"`
	Total    int     `json:"count"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}
