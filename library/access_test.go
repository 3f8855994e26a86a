package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeTable(t *testing.T) {
	anon := Anonymous()
	noProfile := newCaller(TierAnonymous, 7, 0, 0)
	member := newCaller(TierMember, 1, 10, 0)
	librarian := newCaller(TierLibrarian, 2, 0, 20)
	admin := newCaller(TierAdministrator, 3, 0, 0)

	tests := []struct {
		name   string
		caller Caller
		res    Resource
		op     Operation
		want   error
	}{
		{"anonymous lists books", anon, ResourceBooks, OpList, nil},
		{"anonymous retrieves author", anon, ResourceAuthors, OpRetrieve, nil},
		{"anonymous lists copies", anon, ResourceBookItems, OpList, nil},
		{"anonymous creates book", anon, ResourceBooks, OpCreate, ErrUnauthorized},
		{"anonymous deletes copy", anon, ResourceBookItems, OpDelete, ErrUnauthorized},
		{"profileless identity creates book", noProfile, ResourceBooks, OpCreate, ErrForbidden},
		{"profileless identity borrows", noProfile, ResourceBorrowed, OpCreate, ErrForbidden},
		{"member updates book", member, ResourceBooks, OpUpdate, ErrForbidden},
		{"member borrows", member, ResourceBorrowed, OpCreate, nil},
		{"member reserves", member, ResourceReserved, OpCreate, nil},
		{"member returns", member, ResourceBorrowed, OpDelete, ErrForbidden},
		{"member cancels reservation", member, ResourceReserved, OpDelete, ErrForbidden},
		{"member lists fines", member, ResourceFines, OpList, ErrForbidden},
		{"member lists members", member, ResourceMembers, OpList, ErrForbidden},
		{"librarian returns", librarian, ResourceBorrowed, OpDelete, nil},
		{"librarian creates copy", librarian, ResourceBookItems, OpCreate, nil},
		{"librarian deletes fine", librarian, ResourceFines, OpDelete, nil},
		{"librarian lists librarians", librarian, ResourceLibrarians, OpList, ErrForbidden},
		{"admin creates librarian", admin, ResourceLibrarians, OpCreate, nil},
		{"admin borrows", admin, ResourceBorrowed, OpCreate, nil},
		{"anonymous registers", anon, ResourceRegistration, OpCreate, nil},
		{"fines have no create", admin, ResourceFines, OpCreate, ErrNotSupported},
		{"fines have no update", admin, ResourceFines, OpUpdate, ErrNotSupported},
		{"loans have no update", admin, ResourceBorrowed, OpUpdate, ErrNotSupported},
		{"registration has no list", admin, ResourceRegistration, OpList, ErrNotSupported},
		{"unknown resource", admin, Resource("shelves"), OpList, ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.caller, tt.res, tt.op)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCallerAccessors(t *testing.T) {
	anon := Anonymous()
	assert.False(t, anon.Authenticated())
	assert.Equal(t, TierAnonymous, anon.Tier())
	assert.Equal(t, "anonymous", anon.Tier().String())

	lib := newCaller(TierLibrarian, 4, 0, 9)
	assert.True(t, lib.Authenticated())
	assert.True(t, lib.IsStaff())
	assert.Equal(t, int64(9), lib.LibrarianID())

	assert.True(t, System().IsStaff())
	assert.False(t, System().Authenticated())
}

func TestResolveCallerPrecedence(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()

	m := addMember(t, db, "reader")
	c, err := db.ResolveCaller(ctx, m.User.ID)
	require.NoError(t, err)
	assert.Equal(t, TierMember, c.Tier())
	assert.Equal(t, m.ID, c.MemberID())

	l := addLibrarian(t, db, "shelver")
	c, err = db.ResolveCaller(ctx, l.User.ID)
	require.NoError(t, err)
	assert.Equal(t, TierLibrarian, c.Tier())
	assert.Equal(t, l.ID, c.LibrarianID())

	// A librarian who also holds a member profile still resolves as staff.
	_, err = exec(ctx, db.db, `INSERT INTO members(user_id,membership_code) VALUES(?,?)`, l.User.ID, "MSTAFF001")
	require.NoError(t, err)
	c, err = db.ResolveCaller(ctx, l.User.ID)
	require.NoError(t, err)
	assert.Equal(t, TierLibrarian, c.Tier())
	assert.NotZero(t, c.MemberID())

	admin, err := db.CreateAdministrator(ctx, IdentityInput{
		Username: strp("root"), Password: strp("supersecret"), Email: strp("root@example.org"),
	}, today)
	require.NoError(t, err)
	c, err = db.ResolveCaller(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, TierAdministrator, c.Tier())

	c, err = db.ResolveCaller(ctx, 987654)
	require.NoError(t, err)
	assert.False(t, c.Authenticated())

	_, err = exec(ctx, db.db, `UPDATE users SET is_active=? WHERE id=?`, false, m.User.ID)
	require.NoError(t, err)
	c, err = db.ResolveCaller(ctx, m.User.ID)
	require.NoError(t, err)
	assert.Equal(t, Anonymous(), c)
}
