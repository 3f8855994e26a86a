package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultPageSize = 12
	MaxPageSize     = 100

	maxTitleLength = 255
	maxISBNLength  = 13
)

// AuthorInput carries the writable fields of an Author.
type AuthorInput struct {
	Name *string `json:"name"`
}

// BookInput carries the writable fields of a Book. Nil pointers leave a
// field untouched on update.
type BookInput struct {
	Title   *string  `json:"title"`
	ISBN    *string  `json:"isbn"`
	Subject *string  `json:"subject"`
	Authors *[]int64 `json:"authors"`
}

// ItemInput carries the writable fields of a BookItem. Status is accepted
// only so that attempts to change it can be rejected.
type ItemInput struct {
	Barcode *string     `json:"barcode"`
	Status  *CopyStatus `json:"status"`
}

// BookRef is a lightweight book reference used in author listings.
type BookRef struct {
	ID    int64  `db:"id" json:"id"`
	Title string `db:"title" json:"title"`
}

// ------------------ Authors ------------------

func validateAuthor(in AuthorInput, creating bool) error {
	if in.Name == nil && !creating {
		return nil
	}
	name := strings.TrimSpace(deref(in.Name))
	if name == "" {
		return fieldError("name", "This field is required.")
	}
	if len(name) > maxTitleLength {
		return fieldError("name", fmt.Sprintf("Ensure this field has no more than %d characters.", maxTitleLength))
	}
	return nil
}

func (d *Database) CreateAuthor(ctx context.Context, in AuthorInput) (*Author, error) {
	if err := validateAuthor(in, true); err != nil {
		return nil, err
	}
	a := &Author{Name: strings.TrimSpace(*in.Name)}
	id, err := insertReturningID(ctx, d.db, `INSERT INTO authors(name) VALUES(?) RETURNING id`, a.Name)
	if err != nil {
		return nil, fmt.Errorf("insert author: %w", err)
	}
	a.ID = id
	return a, nil
}

func (d *Database) GetAuthor(ctx context.Context, id int64) (*Author, error) {
	var a Author
	if err := get(ctx, d.db, &a, `SELECT id,name FROM authors WHERE id=?`, id); err != nil {
		return nil, notFound(err, "author")
	}
	return &a, nil
}

// ListAuthors returns authors ordered by name, optionally filtered by a
// case-insensitive name fragment.
func (d *Database) ListAuthors(ctx context.Context, name string) ([]*Author, error) {
	authors := []*Author{}
	var err error
	if name = strings.TrimSpace(name); name != "" {
		err = selectAll(ctx, d.db, &authors, `SELECT id,name FROM authors WHERE LOWER(name) LIKE ? ESCAPE '\' ORDER BY name, id`, likePattern(name))
	} else {
		err = selectAll(ctx, d.db, &authors, `SELECT id,name FROM authors ORDER BY name, id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	return authors, nil
}

// AuthorBooks maps each of the given authors to the titles they wrote.
func (d *Database) AuthorBooks(ctx context.Context, authorIDs []int64) (map[int64][]BookRef, error) {
	out := make(map[int64][]BookRef, len(authorIDs))
	if len(authorIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT ba.author_id, b.id, b.title FROM book_authors ba
        JOIN books b ON b.id = ba.book_id WHERE ba.author_id IN (?) ORDER BY b.title, b.id`, authorIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		AuthorID int64 `db:"author_id"`
		BookRef
	}
	if err := selectAll(ctx, d.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("author books: %w", err)
	}
	for _, r := range rows {
		out[r.AuthorID] = append(out[r.AuthorID], r.BookRef)
	}
	return out, nil
}

func (d *Database) UpdateAuthor(ctx context.Context, id int64, in AuthorInput) (*Author, error) {
	if err := validateAuthor(in, false); err != nil {
		return nil, err
	}
	if in.Name != nil {
		if err := mustAffect(exec(ctx, d.db, `UPDATE authors SET name=? WHERE id=?`, strings.TrimSpace(*in.Name), id)); err != nil {
			return nil, notFound(err, "author")
		}
	}
	return d.GetAuthor(ctx, id)
}

func (d *Database) DeleteAuthor(ctx context.Context, id int64) error {
	if err := mustAffect(exec(ctx, d.db, `DELETE FROM authors WHERE id=?`, id)); err != nil {
		return notFound(err, "author")
	}
	return nil
}

// ------------------ Books ------------------

func validateBook(ctx context.Context, q sqlx.ExtContext, in BookInput, creating bool) error {
	v := &ValidationError{}
	if in.Title != nil || creating {
		switch t := strings.TrimSpace(deref(in.Title)); {
		case t == "":
			v.Add("title", "This field is required.")
		case len(t) > maxTitleLength:
			v.Add("title", fmt.Sprintf("Ensure this field has no more than %d characters.", maxTitleLength))
		}
	}
	if in.ISBN != nil && len(strings.TrimSpace(*in.ISBN)) > maxISBNLength {
		v.Add("isbn", fmt.Sprintf("Ensure this field has no more than %d characters.", maxISBNLength))
	}
	if in.Authors != nil {
		for _, aid := range *in.Authors {
			ok, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM authors WHERE id=?)`, aid)
			if err != nil {
				return err
			}
			if !ok {
				v.Add("authors", fmt.Sprintf("Invalid pk %q - object does not exist.", fmt.Sprint(aid)))
			}
		}
	}
	return v.OrNil()
}

func setBookAuthors(ctx context.Context, tx *sqlx.Tx, bookID int64, authorIDs []int64) error {
	if _, err := exec(ctx, tx, `DELETE FROM book_authors WHERE book_id=?`, bookID); err != nil {
		return err
	}
	seen := make(map[int64]bool, len(authorIDs))
	for _, aid := range authorIDs {
		if seen[aid] {
			continue
		}
		seen[aid] = true
		if _, err := exec(ctx, tx, `INSERT INTO book_authors(book_id,author_id) VALUES(?,?)`, bookID, aid); err != nil {
			return fmt.Errorf("link author %d: %w", aid, err)
		}
	}
	return nil
}

// CreateBook inserts a book and links its authors.
func (d *Database) CreateBook(ctx context.Context, in BookInput) (*Book, error) {
	var id int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := validateBook(ctx, tx, in, true); err != nil {
			return err
		}
		var err error
		id, err = insertReturningID(ctx, tx, `INSERT INTO books(title,isbn,subject) VALUES(?,?,?) RETURNING id`,
			strings.TrimSpace(*in.Title), strings.TrimSpace(deref(in.ISBN)), strings.TrimSpace(deref(in.Subject)))
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		if in.Authors != nil {
			return setBookAuthors(ctx, tx, id, *in.Authors)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.GetBook(ctx, id)
}

// GetBook returns a book with its authors and copy counts.
func (d *Database) GetBook(ctx context.Context, id int64) (*Book, error) {
	var b Book
	if err := get(ctx, d.db, &b, `SELECT id,title,isbn,subject FROM books WHERE id=?`, id); err != nil {
		return nil, notFound(err, "book")
	}
	if err := d.fillBookDetails(ctx, []*Book{&b}); err != nil {
		return nil, err
	}
	return &b, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a case-insensitive substring pattern for use with
// ESCAPE '\'.
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(s))) + "%"
}

func (f BookFilter) normalized() BookFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// ListBooks returns one page of books ordered by title. Search matches
// title, ISBN, subject or author name; Author and Subject narrow further.
func (d *Database) ListBooks(ctx context.Context, f BookFilter) (*BookPage, error) {
	f = f.normalized()
	dialect := goqu.Dialect(d.goquDialect())

	where := make([]goqu.Expression, 0, 3)
	if strings.TrimSpace(f.Search) != "" {
		p := likePattern(f.Search)
		where = append(where, goqu.Or(
			goqu.L("LOWER(b.title) LIKE ? ESCAPE '\\'", p),
			goqu.L("LOWER(b.isbn) LIKE ? ESCAPE '\\'", p),
			goqu.L("LOWER(b.subject) LIKE ? ESCAPE '\\'", p),
			goqu.L(`EXISTS (SELECT 1 FROM book_authors ba JOIN authors a ON a.id = ba.author_id
                WHERE ba.book_id = b.id AND LOWER(a.name) LIKE ? ESCAPE '\')`, p),
		))
	}
	if strings.TrimSpace(f.Author) != "" {
		where = append(where, goqu.L(`EXISTS (SELECT 1 FROM book_authors ba JOIN authors a ON a.id = ba.author_id
            WHERE ba.book_id = b.id AND LOWER(a.name) LIKE ? ESCAPE '\')`, likePattern(f.Author)))
	}
	if strings.TrimSpace(f.Subject) != "" {
		where = append(where, goqu.L("LOWER(b.subject) LIKE ? ESCAPE '\\'", likePattern(f.Subject)))
	}

	base := dialect.From(goqu.T("books").As("b")).Where(where...)

	countSQL, countArgs, err := base.Select(goqu.COUNT(goqu.Star())).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}
	listSQL, listArgs, err := base.
		Select(goqu.I("b.id"), goqu.I("b.title"), goqu.I("b.isbn"), goqu.I("b.subject")).
		Order(goqu.I("b.title").Asc(), goqu.I("b.id").Asc()).
		Limit(uint(f.PageSize)).
		Offset(uint((f.Page - 1) * f.PageSize)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	page := &BookPage{Page: f.Page, PageSize: f.PageSize, Books: []*Book{}}
	// goqu already emitted driver placeholders, so no Rebind here.
	if err := d.db.GetContext(ctx, &page.Total, countSQL, countArgs...); err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}
	if err := d.db.SelectContext(ctx, &page.Books, listSQL, listArgs...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	if err := d.fillBookDetails(ctx, page.Books); err != nil {
		return nil, err
	}
	return page, nil
}

// ListSubjects returns the distinct non-empty subjects, for filter menus.
func (d *Database) ListSubjects(ctx context.Context) ([]string, error) {
	subjects := []string{}
	if err := selectAll(ctx, d.db, &subjects, `SELECT DISTINCT subject FROM books WHERE subject<>'' ORDER BY subject`); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// fillBookDetails loads authors and copy counts for books in two queries.
func (d *Database) fillBookDetails(ctx context.Context, books []*Book) error {
	if len(books) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(books))
	byID := make(map[int64]*Book, len(books))
	for _, b := range books {
		b.Authors = []Author{}
		ids = append(ids, b.ID)
		byID[b.ID] = b
	}

	query, args, err := sqlx.In(`SELECT ba.book_id, a.id, a.name FROM book_authors ba
        JOIN authors a ON a.id = ba.author_id WHERE ba.book_id IN (?) ORDER BY a.name, a.id`, ids)
	if err != nil {
		return err
	}
	var authorRows []struct {
		BookID int64 `db:"book_id"`
		Author
	}
	if err := selectAll(ctx, d.db, &authorRows, query, args...); err != nil {
		return fmt.Errorf("book authors: %w", err)
	}
	for _, r := range authorRows {
		byID[r.BookID].Authors = append(byID[r.BookID].Authors, r.Author)
	}

	query, args, err = sqlx.In(`SELECT book_id, status, COUNT(*) AS n FROM book_items
        WHERE book_id IN (?) GROUP BY book_id, status`, ids)
	if err != nil {
		return err
	}
	var countRows []struct {
		BookID int64      `db:"book_id"`
		Status CopyStatus `db:"status"`
		N      int        `db:"n"`
	}
	if err := selectAll(ctx, d.db, &countRows, query, args...); err != nil {
		return fmt.Errorf("copy counts: %w", err)
	}
	for _, r := range countRows {
		b := byID[r.BookID]
		b.TotalCopies += r.N
		switch r.Status {
		case StatusAvailable:
			b.AvailableCopies = r.N
		case StatusBorrowed:
			b.BorrowedCopies = r.N
		case StatusReserved:
			b.ReservedCopies = r.N
		}
	}
	return nil
}

// UpdateBook applies the non-nil fields of in.
func (d *Database) UpdateBook(ctx context.Context, id int64, in BookInput) (*Book, error) {
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("book: %w", ErrNotFound)
		}
		if err := validateBook(ctx, tx, in, false); err != nil {
			return err
		}
		if in.Title != nil {
			if _, err := exec(ctx, tx, `UPDATE books SET title=? WHERE id=?`, strings.TrimSpace(*in.Title), id); err != nil {
				return err
			}
		}
		if in.ISBN != nil {
			if _, err := exec(ctx, tx, `UPDATE books SET isbn=? WHERE id=?`, strings.TrimSpace(*in.ISBN), id); err != nil {
				return err
			}
		}
		if in.Subject != nil {
			if _, err := exec(ctx, tx, `UPDATE books SET subject=? WHERE id=?`, strings.TrimSpace(*in.Subject), id); err != nil {
				return err
			}
		}
		if in.Authors != nil {
			return setBookAuthors(ctx, tx, id, *in.Authors)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.GetBook(ctx, id)
}

// DeleteBook removes a book and its copies. Books with copies out on loan
// or on hold, or with any loan on record, cannot be deleted: the loan rows
// carry the member's history and fines.
func (d *Database) DeleteBook(ctx context.Context, id int64) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		busy, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM book_items WHERE book_id=? AND status<>?)`, id, StatusAvailable)
		if err != nil {
			return err
		}
		if busy {
			return fieldError("book", "Book has copies that are borrowed or reserved.")
		}
		lent, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM borrowed_books WHERE book_id=?)`, id)
		if err != nil {
			return err
		}
		if lent {
			return fieldError("book", "Book has loan history and cannot be deleted.")
		}
		if err := mustAffect(exec(ctx, tx, `DELETE FROM books WHERE id=?`, id)); err != nil {
			return notFound(err, "book")
		}
		return nil
	})
}

// ------------------ Copies ------------------

func (d *Database) requireBook(ctx context.Context, q sqlx.ExtContext, bookID int64) error {
	ok, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, bookID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("book: %w", ErrNotFound)
	}
	return nil
}

// AddCopies adds n available copies of a book and returns them.
func (d *Database) AddCopies(ctx context.Context, bookID int64, n int) ([]*BookItem, error) {
	items := make([]*BookItem, 0, n)
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := d.requireBook(ctx, tx, bookID); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			id, err := insertReturningID(ctx, tx, `INSERT INTO book_items(book_id,barcode,status) VALUES(?,?,?) RETURNING id`,
				bookID, "", StatusAvailable)
			if err != nil {
				return fmt.Errorf("insert copy: %w", err)
			}
			items = append(items, &BookItem{ID: id, BookID: bookID, Status: StatusAvailable})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CreateItem adds one copy. New copies always start out available.
func (d *Database) CreateItem(ctx context.Context, bookID int64, in ItemInput) (*BookItem, error) {
	if in.Status != nil && *in.Status != StatusAvailable {
		return nil, fieldError("status", "New copies start out available.")
	}
	if err := d.requireBook(ctx, d.db, bookID); err != nil {
		return nil, err
	}
	item := &BookItem{BookID: bookID, Barcode: strings.TrimSpace(deref(in.Barcode)), Status: StatusAvailable}
	id, err := insertReturningID(ctx, d.db, `INSERT INTO book_items(book_id,barcode,status) VALUES(?,?,?) RETURNING id`,
		item.BookID, item.Barcode, item.Status)
	if err != nil {
		return nil, fmt.Errorf("insert copy: %w", err)
	}
	item.ID = id
	return item, nil
}

func (d *Database) GetItem(ctx context.Context, bookID, id int64) (*BookItem, error) {
	var item BookItem
	if err := get(ctx, d.db, &item, `SELECT id,book_id,barcode,status FROM book_items WHERE id=? AND book_id=?`, id, bookID); err != nil {
		return nil, notFound(err, "copy")
	}
	return &item, nil
}

// ListItems returns the copies of a book, optionally only those in status.
func (d *Database) ListItems(ctx context.Context, bookID int64, status CopyStatus) ([]*BookItem, error) {
	if err := d.requireBook(ctx, d.db, bookID); err != nil {
		return nil, err
	}
	items := []*BookItem{}
	var err error
	if status != "" {
		err = selectAll(ctx, d.db, &items, `SELECT id,book_id,barcode,status FROM book_items WHERE book_id=? AND status=? ORDER BY id`, bookID, status)
	} else {
		err = selectAll(ctx, d.db, &items, `SELECT id,book_id,barcode,status FROM book_items WHERE book_id=? ORDER BY id`, bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	return items, nil
}

// UpdateItem edits a copy's barcode. Status is owned by the borrowing and
// reservation ledgers and cannot be set here.
func (d *Database) UpdateItem(ctx context.Context, bookID, id int64, in ItemInput) (*BookItem, error) {
	item, err := d.GetItem(ctx, bookID, id)
	if err != nil {
		return nil, err
	}
	if in.Status != nil && *in.Status != item.Status {
		return nil, fieldError("status", "Copy status changes only through borrowing and reservations.")
	}
	if in.Barcode != nil {
		if _, err := exec(ctx, d.db, `UPDATE book_items SET barcode=? WHERE id=?`, strings.TrimSpace(*in.Barcode), id); err != nil {
			return nil, fmt.Errorf("update copy: %w", err)
		}
	}
	return d.GetItem(ctx, bookID, id)
}

// DeleteItem removes a copy that is not out on loan or on hold and has
// never been lent.
func (d *Database) DeleteItem(ctx context.Context, bookID, id int64) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var status CopyStatus
		if err := get(ctx, tx, &status, `SELECT status FROM book_items WHERE id=? AND book_id=?`, id, bookID); err != nil {
			return notFound(err, "copy")
		}
		if status != StatusAvailable {
			return fieldError("status", fmt.Sprintf("Copy is %s and cannot be deleted.", status))
		}
		lent, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM borrowed_books WHERE book_item_id=?)`, id)
		if err != nil {
			return err
		}
		if lent {
			return fieldError("status", "Copy has loan history and cannot be deleted.")
		}
		_, err = exec(ctx, tx, `DELETE FROM book_items WHERE id=?`, id)
		return err
	})
}
