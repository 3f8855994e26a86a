package api

import (
	"fmt"
	"time"

	"library-server/library"
)

const dateLayout = "2006-01-02"

type AuthorSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BookDetail is the read schema of a book.
type BookDetail struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	ISBN            string          `json:"isbn"`
	Subject         string          `json:"subject"`
	Authors         []AuthorSummary `json:"authors"`
	TotalCopies     int             `json:"total_copies"`
	AvailableCopies int             `json:"available_copies"`
	BorrowedCopies  int             `json:"borrowed_copies"`
	ReservedCopies  int             `json:"reserved_copies"`
}

// BookWrite echoes a created or updated book with author ids only.
type BookWrite struct {
	ID      int64   `json:"id"`
	Title   string  `json:"title"`
	ISBN    string  `json:"isbn"`
	Subject string  `json:"subject"`
	Authors []int64 `json:"authors"`
}

type AuthorDetail struct {
	ID    int64             `json:"id"`
	Name  string            `json:"name"`
	Books []library.BookRef `json:"books"`
}

type ItemSchema struct {
	ID      int64              `json:"id"`
	Book    int64              `json:"book"`
	Barcode string             `json:"barcode"`
	Status  library.CopyStatus `json:"status"`
}

// UserSchema never carries the password hash.
type UserSchema struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	IsActive   bool   `json:"is_active"`
	DateJoined string `json:"date_joined"`
}

type MemberSchema struct {
	ID             int64      `json:"id"`
	MembershipCode string     `json:"membership_code"`
	User           UserSchema `json:"user"`
}

type LibrarianSchema struct {
	ID        int64      `json:"id"`
	StaffCode string     `json:"staff_code"`
	User      UserSchema `json:"user"`
}

type LoanSummary struct {
	ID       int64  `json:"id"`
	Book     int64  `json:"book"`
	Member   int64  `json:"member"`
	DueDate  string `json:"due_date"`
	Returned bool   `json:"returned"`
}

type LoanDetail struct {
	ID         int64   `json:"id"`
	BookItem   int64   `json:"book_item"`
	Book       int64   `json:"book"`
	Member     int64   `json:"member"`
	BorrowedOn string  `json:"borrowed_on"`
	DueDate    string  `json:"due_date"`
	ReturnedOn *string `json:"returned_on"`
}

type ReservationSchema struct {
	ID         int64  `json:"id"`
	BookItem   int64  `json:"book_item"`
	Book       int64  `json:"book"`
	Member     int64  `json:"member"`
	ReservedOn string `json:"reserved_on"`
}

type FineSchema struct {
	ID           int64  `json:"id"`
	Member       int64  `json:"member"`
	BorrowedBook int64  `json:"borrowed_book"`
	Amount       string `json:"amount"`
	AmountCents  int64  `json:"amount_cents"`
	Paid         bool   `json:"paid"`
}

// Page is the envelope of paginated lists.
type Page struct {
	Count    int           `json:"count"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Results  []interface{} `json:"results"`
}

// authorListing pairs an author with the books listed under it.
type authorListing struct {
	author *library.Author
	books  []library.BookRef
}

type schemaFunc func(v interface{}) interface{}

// schemas selects the response schema for each resource and operation kind.
// A missing entry is a programming error and panics in render.
var schemas = map[library.Resource]map[library.Operation]schemaFunc{
	library.ResourceBooks: {
		library.OpList:     bookDetail,
		library.OpRetrieve: bookDetail,
		library.OpCreate:   bookWrite,
		library.OpUpdate:   bookWrite,
	},
	library.ResourceAuthors: {
		library.OpList:     authorDetail,
		library.OpRetrieve: authorSummary,
		library.OpCreate:   authorSummary,
		library.OpUpdate:   authorSummary,
	},
	library.ResourceBookItems: {
		library.OpList:     itemSchema,
		library.OpRetrieve: itemSchema,
		library.OpCreate:   itemSchema,
		library.OpUpdate:   itemSchema,
	},
	library.ResourceMembers: {
		library.OpList:     memberSchema,
		library.OpRetrieve: memberSchema,
		library.OpCreate:   memberSchema,
		library.OpUpdate:   memberSchema,
	},
	library.ResourceRegistration: {
		library.OpCreate: memberSchema,
	},
	library.ResourceLibrarians: {
		library.OpList:     librarianSchema,
		library.OpRetrieve: librarianSchema,
		library.OpCreate:   librarianSchema,
		library.OpUpdate:   librarianSchema,
	},
	library.ResourceBorrowed: {
		library.OpList:     loanSummary,
		library.OpRetrieve: loanDetail,
		library.OpCreate:   loanDetail,
		library.OpDelete:   loanDetail,
	},
	library.ResourceReserved: {
		library.OpList:     reservationSchema,
		library.OpRetrieve: reservationSchema,
		library.OpCreate:   reservationSchema,
	},
	library.ResourceFines: {
		library.OpList:     fineSchema,
		library.OpRetrieve: fineSchema,
	},
}

func render(res library.Resource, op library.Operation, v interface{}) interface{} {
	fn, ok := schemas[res][op]
	if !ok {
		panic(fmt.Sprintf("no schema for %s %s", op, res))
	}
	return fn(v)
}

func renderAll[T any](res library.Resource, op library.Operation, items []T) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, render(res, op, it))
	}
	return out
}

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func bookDetail(v interface{}) interface{} {
	b := v.(*library.Book)
	authors := make([]AuthorSummary, 0, len(b.Authors))
	for _, a := range b.Authors {
		authors = append(authors, AuthorSummary{ID: a.ID, Name: a.Name})
	}
	return BookDetail{
		ID:              b.ID,
		Title:           b.Title,
		ISBN:            b.ISBN,
		Subject:         b.Subject,
		Authors:         authors,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		BorrowedCopies:  b.BorrowedCopies,
		ReservedCopies:  b.ReservedCopies,
	}
}

func bookWrite(v interface{}) interface{} {
	b := v.(*library.Book)
	ids := make([]int64, 0, len(b.Authors))
	for _, a := range b.Authors {
		ids = append(ids, a.ID)
	}
	return BookWrite{ID: b.ID, Title: b.Title, ISBN: b.ISBN, Subject: b.Subject, Authors: ids}
}

func authorSummary(v interface{}) interface{} {
	a := v.(*library.Author)
	return AuthorSummary{ID: a.ID, Name: a.Name}
}

func authorDetail(v interface{}) interface{} {
	l := v.(authorListing)
	books := l.books
	if books == nil {
		books = []library.BookRef{}
	}
	return AuthorDetail{ID: l.author.ID, Name: l.author.Name, Books: books}
}

func itemSchema(v interface{}) interface{} {
	it := v.(*library.BookItem)
	return ItemSchema{ID: it.ID, Book: it.BookID, Barcode: it.Barcode, Status: it.Status}
}

func userSchema(u library.Identity) UserSchema {
	return UserSchema{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		IsActive:   u.IsActive,
		DateJoined: u.DateJoined.UTC().Format(time.RFC3339),
	}
}

func memberSchema(v interface{}) interface{} {
	m := v.(*library.Member)
	return MemberSchema{ID: m.ID, MembershipCode: m.MembershipCode, User: userSchema(m.User)}
}

func librarianSchema(v interface{}) interface{} {
	l := v.(*library.Librarian)
	return LibrarianSchema{ID: l.ID, StaffCode: l.StaffCode, User: userSchema(l.User)}
}

func loanSummary(v interface{}) interface{} {
	b := v.(*library.BorrowedBook)
	return LoanSummary{
		ID:       b.ID,
		Book:     b.BookID,
		Member:   b.MemberID,
		DueDate:  formatDate(b.DueDate),
		Returned: !b.Open(),
	}
}

func loanDetail(v interface{}) interface{} {
	b := v.(*library.BorrowedBook)
	d := LoanDetail{
		ID:         b.ID,
		BookItem:   b.BookItemID,
		Book:       b.BookID,
		Member:     b.MemberID,
		BorrowedOn: formatDate(b.BorrowedOn),
		DueDate:    formatDate(b.DueDate),
	}
	if b.ReturnedOn != nil {
		s := formatDate(*b.ReturnedOn)
		d.ReturnedOn = &s
	}
	return d
}

func reservationSchema(v interface{}) interface{} {
	r := v.(*library.ReservedBook)
	return ReservationSchema{
		ID:         r.ID,
		BookItem:   r.BookItemID,
		Book:       r.BookID,
		Member:     r.MemberID,
		ReservedOn: formatDate(r.ReservedOn),
	}
}

func fineSchema(v interface{}) interface{} {
	f := v.(*library.Fine)
	return FineSchema{
		ID:           f.ID,
		Member:       f.MemberID,
		BorrowedBook: f.BorrowedBookID,
		Amount:       fmt.Sprintf("%d.%02d", f.AmountCents/100, f.AmountCents%100),
		AmountCents:  f.AmountCents,
		Paid:         f.Paid,
	}
}
