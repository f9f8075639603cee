package sso

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/netforge/pkg/auth"
)

var loginTime = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fakeUsers struct {
	byID    map[string]*auth.User
	created []*auth.User
	updated []string
	touched []string
	err     error
}

func newFakeUsers(users ...*auth.User) *fakeUsers {
	f := &fakeUsers{byID: map[string]*auth.User{}}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*auth.User, error) {
	if u, ok := f.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, auth.ErrUserNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (f *fakeUsers) Create(_ context.Context, u *auth.User) error {
	u.ID = "u-new"
	u.IsActive = true
	f.byID[u.ID] = u
	f.created = append(f.created, u)
	return nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, id, name, avatarURL string) error {
	f.updated = append(f.updated, id)
	return nil
}

func (f *fakeUsers) TouchLogin(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func newMockProvisioner(t *testing.T, users *fakeUsers) (*Provisioner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	p := NewProvisioner(db, users, nil)
	p.now = func() time.Time { return loginTime }
	return p, mock
}

func ada() *SSOUser {
	return &SSOUser{
		Issuer:        "https://idp.acme.example",
		Subject:       "okta|42",
		Email:         "ada@acme.example",
		EmailVerified: true,
		Name:          "Ada Lovelace",
	}
}

func expectLookup(mock sqlmock.Sqlmock, userID string) {
	q := mock.ExpectQuery(`SELECT user_id FROM sso_user_mappings`).
		WithArgs("https://idp.acme.example", "okta|42")
	if userID == "" {
		q.WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
		return
	}
	q.WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID))
}

func expectLink(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectExec(`INSERT INTO sso_user_mappings`).
		WithArgs("https://idp.acme.example", "okta|42", userID, "ada@acme.example", loginTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestProvisionCreatesUserOnFirstLogin(t *testing.T) {
	users := newFakeUsers()
	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "")
	expectLink(mock, "u-new")

	u, err := p.Provision(context.Background(), ada())
	require.NoError(t, err)
	assert.Equal(t, "u-new", u.ID)
	assert.Equal(t, "Ada Lovelace", u.Name)
	require.NotNil(t, u.LastLoginAt)
	assert.Equal(t, loginTime, *u.LastLoginAt)
	assert.Len(t, users.created, 1)
	assert.Equal(t, []string{"u-new"}, users.touched)
}

func TestProvisionLinksVerifiedEmail(t *testing.T) {
	users := newFakeUsers(&auth.User{ID: "u1", Email: "ada@acme.example", Name: "Ada", IsActive: true})
	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "")
	expectLink(mock, "u1")

	u, err := p.Provision(context.Background(), ada())
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Empty(t, users.created)
}

func TestProvisionRefusesUnverifiedEmailTakeover(t *testing.T) {
	users := newFakeUsers(&auth.User{ID: "u1", Email: "ada@acme.example", IsActive: true})
	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "")

	in := ada()
	in.EmailVerified = false
	_, err := p.Provision(context.Background(), in)
	assert.ErrorIs(t, err, ErrEmailNotVerified)
	assert.Empty(t, users.touched)
}

func TestProvisionKnownIdentity(t *testing.T) {
	users := newFakeUsers(&auth.User{ID: "u1", Email: "ada@acme.example", Name: "Ada", IsActive: true})
	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "u1")
	expectLink(mock, "u1")

	u, err := p.Provision(context.Background(), ada())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.Name)
	assert.Equal(t, []string{"u1"}, users.updated)
	assert.Equal(t, []string{"u1"}, users.touched)
}

func TestProvisionKnownIdentityUnchangedProfile(t *testing.T) {
	users := newFakeUsers(&auth.User{ID: "u1", Email: "ada@acme.example", Name: "Ada Lovelace", IsActive: true})
	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "u1")
	expectLink(mock, "u1")

	_, err := p.Provision(context.Background(), ada())
	require.NoError(t, err)
	assert.Empty(t, users.updated)
}

func TestProvisionDisabledUser(t *testing.T) {
	users := newFakeUsers(&auth.User{ID: "u1", Email: "ada@acme.example", IsActive: false})

	p, mock := newMockProvisioner(t, users)
	expectLookup(mock, "u1")
	_, err := p.Provision(context.Background(), ada())
	assert.ErrorIs(t, err, ErrUserDisabled)

	p, mock = newMockProvisioner(t, users)
	expectLookup(mock, "")
	_, err = p.Provision(context.Background(), ada())
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestProvisionStoreErrors(t *testing.T) {
	users := newFakeUsers()
	p, mock := newMockProvisioner(t, users)
	mock.ExpectQuery(`SELECT user_id FROM sso_user_mappings`).WillReturnError(errors.New("conn reset"))
	_, err := p.Provision(context.Background(), ada())
	assert.ErrorContains(t, err, "failed to look up identity")

	users.err = errors.New("users down")
	p, mock = newMockProvisioner(t, users)
	expectLookup(mock, "")
	_, err = p.Provision(context.Background(), ada())
	assert.EqualError(t, err, "users down")

	users.err = nil
	p, mock = newMockProvisioner(t, users)
	expectLookup(mock, "")
	mock.ExpectExec(`INSERT INTO sso_user_mappings`).WillReturnError(errors.New("constraint"))
	_, err = p.Provision(context.Background(), ada())
	assert.ErrorContains(t, err, "failed to link identity")
}

func TestAuthenticatorProvisionsFromIDToken(t *testing.T) {
	idp := newFakeIdP(t)
	users := newFakeUsers()
	p, mock := newMockProvisioner(t, users)
	mock.ExpectQuery(`SELECT user_id FROM sso_user_mappings`).
		WithArgs(idp.URL, "okta|42").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectExec(`INSERT INTO sso_user_mappings`).
		WithArgs(idp.URL, "okta|42", "u-new", "ada@acme.example", loginTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewAuthenticator(idp.provider(t), p)
	u, err := a.AuthenticateIDToken(context.Background(), idp.sign(t, idp.claims))
	require.NoError(t, err)
	assert.Equal(t, "u-new", u.ID)

	_, err = a.AuthenticateIDToken(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}
