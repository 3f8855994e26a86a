package library

import "fmt"

// Tier is the caller's resolved access level. Higher tiers include the
// rights of lower ones.
type Tier int

const (
	TierAnonymous Tier = iota
	TierMember
	TierLibrarian
	TierAdministrator

	// tierNone marks an operation that has no surface at all.
	tierNone Tier = -1
)

func (t Tier) String() string {
	switch t {
	case TierAnonymous:
		return "anonymous"
	case TierMember:
		return "member"
	case TierLibrarian:
		return "librarian"
	case TierAdministrator:
		return "administrator"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Caller is the immutable result of resolving a request's identity. It is
// built once per request and passed to every operation.
type Caller struct {
	tier        Tier
	userID      int64
	memberID    int64
	librarianID int64
}

// Anonymous is the caller of an unauthenticated request.
func Anonymous() Caller { return Caller{tier: TierAnonymous} }

// System is the administrator-tier caller used by operator commands that
// run outside any HTTP request.
func System() Caller { return Caller{tier: TierAdministrator} }

func newCaller(t Tier, userID, memberID, librarianID int64) Caller {
	return Caller{tier: t, userID: userID, memberID: memberID, librarianID: librarianID}
}

func (c Caller) Tier() Tier { return c.tier }

// Authenticated reports whether the request carried a valid identity, even
// one without a member or librarian profile.
func (c Caller) Authenticated() bool { return c.userID != 0 }

func (c Caller) UserID() int64 { return c.userID }

// MemberID is the caller's member profile, or 0.
func (c Caller) MemberID() int64 { return c.memberID }

// LibrarianID is the caller's librarian profile, or 0.
func (c Caller) LibrarianID() int64 { return c.librarianID }

// IsStaff reports librarian or administrator tier.
func (c Caller) IsStaff() bool { return c.tier >= TierLibrarian }

// Resource names one CRUD surface.
type Resource string

const (
	ResourceBooks        Resource = "books"
	ResourceAuthors      Resource = "authors"
	ResourceBookItems    Resource = "book_items"
	ResourceMembers      Resource = "members"
	ResourceLibrarians   Resource = "librarians"
	ResourceBorrowed     Resource = "borrowed_books"
	ResourceReserved     Resource = "reserved_books"
	ResourceFines        Resource = "fines"
	ResourceRegistration Resource = "registration"
)

// Operation is the kind of CRUD action being performed.
type Operation string

const (
	OpList     Operation = "list"
	OpRetrieve Operation = "retrieve"
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
)

// Policy gives the minimum tier per operation kind. Operations missing
// from the map have no surface.
type Policy map[Operation]Tier

func (p Policy) required(op Operation) Tier {
	t, ok := p[op]
	if !ok {
		return tierNone
	}
	return t
}

var (
	catalogPolicy = Policy{
		OpList: TierAnonymous, OpRetrieve: TierAnonymous,
		OpCreate: TierLibrarian, OpUpdate: TierLibrarian, OpDelete: TierLibrarian,
	}
	ledgerPolicy = Policy{
		OpList: TierMember, OpRetrieve: TierMember,
		OpCreate: TierMember, OpDelete: TierLibrarian,
	}
)

// Policies is the access table for every resource.
var Policies = map[Resource]Policy{
	ResourceBooks:     catalogPolicy,
	ResourceAuthors:   catalogPolicy,
	ResourceBookItems: catalogPolicy,
	ResourceMembers: {
		OpList: TierLibrarian, OpRetrieve: TierLibrarian,
		OpCreate: TierLibrarian, OpUpdate: TierLibrarian, OpDelete: TierLibrarian,
	},
	ResourceLibrarians: {
		OpList: TierAdministrator, OpRetrieve: TierAdministrator,
		OpCreate: TierAdministrator, OpUpdate: TierAdministrator, OpDelete: TierAdministrator,
	},
	ResourceBorrowed: ledgerPolicy,
	ResourceReserved: ledgerPolicy,
	ResourceFines: {
		OpList: TierLibrarian, OpRetrieve: TierLibrarian, OpDelete: TierLibrarian,
	},
	ResourceRegistration: {OpCreate: TierAnonymous},
}

// Authorize checks c against the policy for res and op. Unauthenticated
// callers that fall short get ErrUnauthorized, authenticated ones get
// ErrForbidden.
func Authorize(c Caller, res Resource, op Operation) error {
	policy, ok := Policies[res]
	if !ok {
		return fmt.Errorf("%s: %w", res, ErrNotSupported)
	}
	need := policy.required(op)
	if need == tierNone {
		return fmt.Errorf("%s %s: %w", op, res, ErrNotSupported)
	}
	if c.tier >= need {
		return nil
	}
	if !c.Authenticated() {
		return ErrUnauthorized
	}
	return ErrForbidden
}
