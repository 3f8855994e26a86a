package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxNameLength     = 150
	minPasswordLength = 8
	codeAttempts      = 5
)

// IdentityInput carries the writable fields of an Identity. Nil pointers
// leave a field untouched on update.
type IdentityInput struct {
	Username  *string `json:"username"`
	Password  *string `json:"password"`
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

// Registration is the public sign-up form.
type Registration struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

// Input converts the form to an IdentityInput after the confirmation check.
func (r Registration) Input() IdentityInput {
	return IdentityInput{
		Username:  &r.Username,
		Password:  &r.Password,
		Email:     &r.Email,
		FirstName: &r.FirstName,
		LastName:  &r.LastName,
	}
}

// Validate checks the form on its own, without touching the store.
func (r Registration) Validate() *ValidationError {
	v := validateIdentity(r.Input(), true)
	if r.PasswordConfirm == "" {
		v.Add("password_confirm", "This field is required.")
	} else if r.Password != r.PasswordConfirm {
		v.Add("password", "Passwords do not match.")
	}
	return v
}

func validateIdentity(in IdentityInput, creating bool) *ValidationError {
	v := &ValidationError{}
	if in.Username != nil || creating {
		switch u := deref(in.Username); {
		case strings.TrimSpace(u) == "":
			v.Add("username", "This field is required.")
		case len(u) > maxNameLength:
			v.Add("username", fmt.Sprintf("Ensure this field has no more than %d characters.", maxNameLength))
		}
	}
	if in.Password != nil || creating {
		if len(deref(in.Password)) < minPasswordLength {
			v.Add("password", fmt.Sprintf("Ensure this field has at least %d characters.", minPasswordLength))
		}
	}
	if in.Email != nil || creating {
		e := strings.TrimSpace(deref(in.Email))
		if e == "" {
			v.Add("email", "This field is required.")
		} else if addr, err := mail.ParseAddress(e); err != nil || addr.Address != e {
			v.Add("email", "Enter a valid email address.")
		}
	}
	if len(deref(in.FirstName)) > maxNameLength {
		v.Add("first_name", fmt.Sprintf("Ensure this field has no more than %d characters.", maxNameLength))
	}
	if len(deref(in.LastName)) > maxNameLength {
		v.Add("last_name", fmt.Sprintf("Ensure this field has no more than %d characters.", maxNameLength))
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

const identityColumns = `id, username, password_hash, email, first_name, last_name, is_admin, is_active, date_joined`

// checkIdentityUnique reports duplicate username/email as field errors.
// excludeID skips the identity being updated.
func checkIdentityUnique(ctx context.Context, q sqlx.ExtContext, in IdentityInput, excludeID int64, v *ValidationError) error {
	if in.Username != nil {
		dup, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM users WHERE username=? AND id<>?)`, *in.Username, excludeID)
		if err != nil {
			return err
		}
		if dup {
			v.Add("username", "A user with this username already exists.")
		}
	}
	if in.Email != nil {
		dup, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email)=LOWER(?) AND id<>?)`, strings.TrimSpace(*in.Email), excludeID)
		if err != nil {
			return err
		}
		if dup {
			v.Add("email", "A user with this email already exists.")
		}
	}
	return nil
}

// identityUniqueError turns a unique-index failure on users into the
// matching field error.
func identityUniqueError(err error) error {
	detail, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(detail, "email"):
		return fieldError("email", "A user with this email already exists.")
	case strings.Contains(detail, "username"):
		return fieldError("username", "A user with this username already exists.")
	}
	return err
}

func insertIdentity(ctx context.Context, tx *sqlx.Tx, in IdentityInput, isAdmin bool, now time.Time) (*Identity, error) {
	v := validateIdentity(in, true)
	if err := checkIdentityUnique(ctx, tx, in, 0, v); err != nil {
		return nil, err
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	ident := &Identity{
		Username:     *in.Username,
		PasswordHash: string(hash),
		Email:        strings.TrimSpace(*in.Email),
		FirstName:    deref(in.FirstName),
		LastName:     deref(in.LastName),
		IsAdmin:      isAdmin,
		IsActive:     true,
		DateJoined:   now.UTC(),
	}
	ident.ID, err = insertReturningID(ctx, tx,
		`INSERT INTO users(username,password_hash,email,first_name,last_name,is_admin,is_active,date_joined)
         VALUES(?,?,?,?,?,?,?,?) RETURNING id`,
		ident.Username, ident.PasswordHash, ident.Email, ident.FirstName, ident.LastName,
		ident.IsAdmin, ident.IsActive, ident.DateJoined)
	if err != nil {
		return nil, identityUniqueError(err)
	}
	return ident, nil
}

func updateIdentity(ctx context.Context, tx *sqlx.Tx, userID int64, in IdentityInput) error {
	v := validateIdentity(in, false)
	if err := checkIdentityUnique(ctx, tx, in, userID, v); err != nil {
		return err
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	add := func(col string, val interface{}) {
		sets = append(sets, col+"=?")
		args = append(args, val)
	}
	if in.Username != nil {
		add("username", *in.Username)
	}
	if in.Email != nil {
		add("email", strings.TrimSpace(*in.Email))
	}
	if in.FirstName != nil {
		add("first_name", *in.FirstName)
	}
	if in.LastName != nil {
		add("last_name", *in.LastName)
	}
	if in.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		add("password_hash", string(hash))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, userID)
	_, err := exec(ctx, tx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return identityUniqueError(err)
	}
	return nil
}

// GetIdentity fetches a single identity.
func (d *Database) GetIdentity(ctx context.Context, id int64) (*Identity, error) {
	var ident Identity
	if err := get(ctx, d.db, &ident, `SELECT `+identityColumns+` FROM users WHERE id=?`, id); err != nil {
		return nil, notFound(err, "identity")
	}
	return &ident, nil
}

// GetIdentityByUsername fetches an identity for login.
func (d *Database) GetIdentityByUsername(ctx context.Context, username string) (*Identity, error) {
	var ident Identity
	if err := get(ctx, d.db, &ident, `SELECT `+identityColumns+` FROM users WHERE username=?`, username); err != nil {
		return nil, notFound(err, "identity")
	}
	return &ident, nil
}

// CreateAdministrator inserts an identity with the administrator flag set.
func (d *Database) CreateAdministrator(ctx context.Context, in IdentityInput, now time.Time) (*Identity, error) {
	var ident *Identity
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		ident, err = insertIdentity(ctx, tx, in, true, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// SetPassword replaces an identity's password.
func (d *Database) SetPassword(ctx context.Context, userID int64, password string) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return updateIdentity(ctx, tx, userID, IdentityInput{Password: &password})
	})
}

// Authenticate verifies username and password and returns the identity.
// Unknown users, inactive users and wrong passwords all yield
// ErrUnauthorized.
func (d *Database) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	ident, err := d.GetIdentityByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !ident.IsActive {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnauthorized
	}
	return ident, nil
}

// ---------------------------------------------------------------------------
// Members and librarians
// ---------------------------------------------------------------------------

// profileRow is the flat join of a profile row with its identity.
type profileRow struct {
	ID         int64     `db:"id"`
	Code       string    `db:"code"`
	UserID     int64     `db:"user_id"`
	Username   string    `db:"username"`
	Email      string    `db:"email"`
	FirstName  string    `db:"first_name"`
	LastName   string    `db:"last_name"`
	IsAdmin    bool      `db:"is_admin"`
	IsActive   bool      `db:"is_active"`
	DateJoined time.Time `db:"date_joined"`
}

func (r profileRow) identity() Identity {
	return Identity{
		ID:         r.UserID,
		Username:   r.Username,
		Email:      r.Email,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		IsAdmin:    r.IsAdmin,
		IsActive:   r.IsActive,
		DateJoined: r.DateJoined,
	}
}

// profileKind describes one profile table so members and librarians share
// their SQL.
type profileKind struct {
	table    string
	codeCol  string
	prefix   string
	resource string
}

var (
	memberProfile    = profileKind{table: "members", codeCol: "membership_code", prefix: "M", resource: "member"}
	librarianProfile = profileKind{table: "librarians", codeCol: "staff_code", prefix: "L", resource: "librarian"}
)

func (k profileKind) selectSQL() string {
	return `SELECT p.id, p.` + k.codeCol + ` AS code, u.id AS user_id, u.username, u.email, u.first_name,
            u.last_name, u.is_admin, u.is_active, u.date_joined
        FROM ` + k.table + ` p JOIN users u ON u.id = p.user_id`
}

// newCode generates a profile code such as M3F2A9C1D.
func (k profileKind) newCode() string {
	return k.prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (d *Database) getProfile(ctx context.Context, k profileKind, id int64) (*profileRow, error) {
	var row profileRow
	if err := get(ctx, d.db, &row, k.selectSQL()+` WHERE p.id=?`, id); err != nil {
		return nil, notFound(err, k.resource)
	}
	return &row, nil
}

func (d *Database) listProfiles(ctx context.Context, k profileKind) ([]profileRow, error) {
	var rows []profileRow
	if err := selectAll(ctx, d.db, &rows, k.selectSQL()+` ORDER BY p.id`); err != nil {
		return nil, fmt.Errorf("list %ss: %w", k.resource, err)
	}
	return rows, nil
}

// createProfile inserts the identity and then the profile row in one
// transaction. Code collisions are retried with a fresh code.
func (d *Database) createProfile(ctx context.Context, k profileKind, in IdentityInput, now time.Time) (int64, error) {
	var profileID int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		ident, err := insertIdentity(ctx, tx, in, false, now)
		if err != nil {
			return err
		}
		for attempt := 0; attempt < codeAttempts; attempt++ {
			code := k.newCode()
			taken, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM `+k.table+` WHERE `+k.codeCol+`=?)`, code)
			if err != nil {
				return err
			}
			if taken {
				continue
			}
			profileID, err = insertReturningID(ctx, tx,
				`INSERT INTO `+k.table+`(user_id,`+k.codeCol+`) VALUES(?,?) RETURNING id`, ident.ID, code)
			if err != nil {
				return fmt.Errorf("insert %s: %w", k.resource, err)
			}
			return nil
		}
		return fmt.Errorf("could not allocate a unique %s", k.codeCol)
	})
	return profileID, err
}

func (d *Database) updateProfile(ctx context.Context, k profileKind, id int64, in IdentityInput) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var userID int64
		if err := get(ctx, tx, &userID, `SELECT user_id FROM `+k.table+` WHERE id=?`, id); err != nil {
			return notFound(err, k.resource)
		}
		return updateIdentity(ctx, tx, userID, in)
	})
}

// deleteProfile removes the profile row and then its identity. Both steps
// run in one transaction so neither is left behind.
func (d *Database) deleteProfile(ctx context.Context, k profileKind, id int64, before func(tx *sqlx.Tx) error) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var userID int64
		if err := get(ctx, tx, &userID, `SELECT user_id FROM `+k.table+` WHERE id=?`, id); err != nil {
			return notFound(err, k.resource)
		}
		if before != nil {
			if err := before(tx); err != nil {
				return err
			}
		}
		// Step 1: the profile.
		if _, err := exec(ctx, tx, `DELETE FROM `+k.table+` WHERE id=?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", k.resource, err)
		}
		// Step 2: the identity it was attached to.
		if _, err := exec(ctx, tx, `DELETE FROM users WHERE id=?`, userID); err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
		return nil
	})
}

func toMember(r *profileRow) *Member {
	return &Member{ID: r.ID, MembershipCode: r.Code, User: r.identity()}
}

func toLibrarian(r *profileRow) *Librarian {
	return &Librarian{ID: r.ID, StaffCode: r.Code, User: r.identity()}
}

// CreateMember creates an identity plus member profile with a freshly
// generated membership code.
func (d *Database) CreateMember(ctx context.Context, in IdentityInput, now time.Time) (*Member, error) {
	id, err := d.createProfile(ctx, memberProfile, in, now)
	if err != nil {
		return nil, err
	}
	return d.GetMember(ctx, id)
}

// RegisterMember validates the public registration form and creates the
// member.
func (d *Database) RegisterMember(ctx context.Context, r Registration, now time.Time) (*Member, error) {
	v := r.Validate()
	in := r.Input()
	if err := checkIdentityUnique(ctx, d.db, in, 0, v); err != nil {
		return nil, err
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	return d.CreateMember(ctx, in, now)
}

// GetMember fetches a single member.
func (d *Database) GetMember(ctx context.Context, id int64) (*Member, error) {
	row, err := d.getProfile(ctx, memberProfile, id)
	if err != nil {
		return nil, err
	}
	return toMember(row), nil
}

// GetAllMembers returns all members.
func (d *Database) GetAllMembers(ctx context.Context) ([]*Member, error) {
	rows, err := d.listProfiles(ctx, memberProfile)
	if err != nil {
		return nil, err
	}
	members := make([]*Member, 0, len(rows))
	for i := range rows {
		members = append(members, toMember(&rows[i]))
	}
	return members, nil
}

func (d *Database) UpdateMember(ctx context.Context, id int64, in IdentityInput) (*Member, error) {
	if err := d.updateProfile(ctx, memberProfile, id, in); err != nil {
		return nil, err
	}
	return d.GetMember(ctx, id)
}

// DeleteMember removes a member and its identity. Members with copies
// still out cannot be deleted; their reserved copies are released.
func (d *Database) DeleteMember(ctx context.Context, id int64) error {
	return d.deleteProfile(ctx, memberProfile, id, func(tx *sqlx.Tx) error {
		open, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM borrowed_books WHERE member_id=? AND returned_on IS NULL)`, id)
		if err != nil {
			return err
		}
		if open {
			return fieldError("member", "Member still has borrowed books; return them first.")
		}
		_, err = exec(ctx, tx, `UPDATE book_items SET status=? WHERE id IN (SELECT book_item_id FROM reserved_books WHERE member_id=?)`,
			StatusAvailable, id)
		return err
	})
}

// CreateLibrarian creates an identity plus librarian profile.
func (d *Database) CreateLibrarian(ctx context.Context, in IdentityInput, now time.Time) (*Librarian, error) {
	id, err := d.createProfile(ctx, librarianProfile, in, now)
	if err != nil {
		return nil, err
	}
	return d.GetLibrarian(ctx, id)
}

func (d *Database) GetLibrarian(ctx context.Context, id int64) (*Librarian, error) {
	row, err := d.getProfile(ctx, librarianProfile, id)
	if err != nil {
		return nil, err
	}
	return toLibrarian(row), nil
}

func (d *Database) GetAllLibrarians(ctx context.Context) ([]*Librarian, error) {
	rows, err := d.listProfiles(ctx, librarianProfile)
	if err != nil {
		return nil, err
	}
	librarians := make([]*Librarian, 0, len(rows))
	for i := range rows {
		librarians = append(librarians, toLibrarian(&rows[i]))
	}
	return librarians, nil
}

func (d *Database) UpdateLibrarian(ctx context.Context, id int64, in IdentityInput) (*Librarian, error) {
	if err := d.updateProfile(ctx, librarianProfile, id, in); err != nil {
		return nil, err
	}
	return d.GetLibrarian(ctx, id)
}

// DeleteLibrarian removes a librarian and its identity.
func (d *Database) DeleteLibrarian(ctx context.Context, id int64) error {
	return d.deleteProfile(ctx, librarianProfile, id, nil)
}

// ---------------------------------------------------------------------------
// Role resolution
// ---------------------------------------------------------------------------

// ResolveCaller loads the identity and its profiles once and returns the
// caller's tier. Unknown or inactive identities resolve to Anonymous.
func (d *Database) ResolveCaller(ctx context.Context, userID int64) (Caller, error) {
	var row struct {
		IsAdmin     bool   `db:"is_admin"`
		IsActive    bool   `db:"is_active"`
		MemberID    *int64 `db:"member_id"`
		LibrarianID *int64 `db:"librarian_id"`
	}
	err := get(ctx, d.db, &row, `
        SELECT u.is_admin, u.is_active, m.id AS member_id, l.id AS librarian_id
        FROM users u
        LEFT JOIN members m ON m.user_id = u.id
        LEFT JOIN librarians l ON l.user_id = u.id
        WHERE u.id=?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Anonymous(), nil
	}
	if err != nil {
		return Anonymous(), fmt.Errorf("resolve caller: %w", err)
	}
	if !row.IsActive {
		return Anonymous(), nil
	}

	var memberID, librarianID int64
	if row.MemberID != nil {
		memberID = *row.MemberID
	}
	if row.LibrarianID != nil {
		librarianID = *row.LibrarianID
	}
	switch {
	case row.IsAdmin:
		return newCaller(TierAdministrator, userID, memberID, librarianID), nil
	case librarianID != 0:
		return newCaller(TierLibrarian, userID, memberID, librarianID), nil
	case memberID != 0:
		return newCaller(TierMember, userID, memberID, 0), nil
	}
	return newCaller(TierAnonymous, userID, 0, 0), nil
}
