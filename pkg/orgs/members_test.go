package orgs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/netforge/pkg/auth"
)

var memberRowColumns = []string{"org_id", "user_id", "role", "invited_by", "joined_at", "email", "name"}

var invitationRowColumns = []string{"id", "org_id", "email", "role", "token", "invited_by", "expires_at", "accepted_at", "revoked_at", "created_at"}

func TestAddMember(t *testing.T) {
	t.Run("adds and reloads", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectExec("INSERT INTO org_members").
			WithArgs("o1", "u2", auth.RoleDesigner, "u1", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM org_members m").
			WithArgs("o1", "u2").
			WillReturnRows(sqlmock.NewRows(memberRowColumns).
				AddRow("o1", "u2", "designer", "u1", fixedNow, "b@example.com", "Bea"))

		m, err := svc.AddMember(context.Background(), "o1", AddMemberRequest{UserID: "u2", Role: auth.RoleDesigner}, "u1")
		require.NoError(t, err)
		assert.Equal(t, auth.RoleDesigner, m.Role)
		assert.Equal(t, "b@example.com", m.Email)
	})

	t.Run("owner role cannot be granted", func(t *testing.T) {
		svc, _ := newMockService(t)
		_, err := svc.AddMember(context.Background(), "o1", AddMemberRequest{UserID: "u2", Role: auth.RoleOwner}, "u1")
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("duplicate", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectExec("INSERT INTO org_members").WillReturnError(&pq.Error{Code: "23505"})
		_, err := svc.AddMember(context.Background(), "o1", AddMemberRequest{UserID: "u2", Role: auth.RoleViewer}, "u1")
		assert.ErrorIs(t, err, ErrAlreadyMember)
	})
}

func TestRemoveMember(t *testing.T) {
	t.Run("removes a regular member", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectExec("DELETE FROM org_members").
			WithArgs("o1", "u2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, svc.RemoveMember(context.Background(), "o1", "u2"))
	})

	t.Run("owner cannot be removed", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectExec("DELETE FROM org_members").
			WithArgs("o1", "u1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM org_members m").
			WithArgs("o1", "u1").
			WillReturnRows(sqlmock.NewRows(memberRowColumns).
				AddRow("o1", "u1", "owner", "", fixedNow, "a@example.com", "Ari"))

		assert.ErrorIs(t, svc.RemoveMember(context.Background(), "o1", "u1"), ErrOwnerRemoval)
	})

	t.Run("unknown member", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectExec("DELETE FROM org_members").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM org_members m").WillReturnError(sql.ErrNoRows)

		assert.ErrorIs(t, svc.RemoveMember(context.Background(), "o1", "ghost"), ErrMemberNotFound)
	})
}

func TestUpdateMemberRole(t *testing.T) {
	svc, mock := newMockService(t)
	assert.ErrorIs(t, svc.UpdateMemberRole(context.Background(), "o1", "u2", "superuser"), ErrInvalidRole)

	mock.ExpectExec("UPDATE org_members SET role").
		WithArgs("o1", "u2", auth.RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.UpdateMemberRole(context.Background(), "o1", "u2", auth.RoleAdmin))
}

func TestCreateInvitation(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectExec("INSERT INTO org_invitations").
		WithArgs(sqlmock.AnyArg(), "o1", "new@example.com", auth.RoleViewer, sqlmock.AnyArg(), "u1", fixedNow.Add(InvitationTTL), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inv, err := svc.CreateInvitation(context.Background(), "o1", InviteMemberRequest{Email: " New@Example.com ", Role: auth.RoleViewer}, "u1")
	require.NoError(t, err)
	assert.Len(t, inv.Token, 64)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), inv.ExpiresAt)

	_, err = svc.CreateInvitation(context.Background(), "o1", InviteMemberRequest{Email: "nope", Role: auth.RoleViewer}, "u1")
	assert.Error(t, err)
}

func TestAcceptInvitation(t *testing.T) {
	user := &auth.User{ID: "u9", Email: "new@example.com", Name: "Nia"}

	invRow := func(expires time.Time, accepted interface{}) *sqlmock.Rows {
		return sqlmock.NewRows(invitationRowColumns).
			AddRow("i1", "o1", "new@example.com", "designer", "tok", "u1", expires, accepted, nil, fixedNow.Add(-time.Hour))
	}

	t.Run("accepts a pending invitation", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM org_invitations WHERE token = \\$1 FOR UPDATE").
			WithArgs("tok").
			WillReturnRows(invRow(fixedNow.Add(time.Hour), nil))
		mock.ExpectExec("INSERT INTO org_members").
			WithArgs("o1", "u9", auth.RoleDesigner, "u1", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE org_invitations SET accepted_at").
			WithArgs("i1", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		m, err := svc.AcceptInvitation(context.Background(), "tok", user)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleDesigner, m.Role)
		assert.Equal(t, "o1", m.OrgID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM org_invitations").WillReturnRows(invRow(fixedNow.Add(-time.Minute), nil))
		mock.ExpectRollback()

		_, err := svc.AcceptInvitation(context.Background(), "tok", user)
		assert.ErrorIs(t, err, ErrInvitationExpired)
	})

	t.Run("already accepted", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM org_invitations").WillReturnRows(invRow(fixedNow.Add(time.Hour), fixedNow.Add(-time.Minute)))
		mock.ExpectRollback()

		_, err := svc.AcceptInvitation(context.Background(), "tok", user)
		assert.ErrorIs(t, err, ErrInvitationUsed)
	})

	t.Run("different email", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM org_invitations").WillReturnRows(invRow(fixedNow.Add(time.Hour), nil))
		mock.ExpectRollback()

		_, err := svc.AcceptInvitation(context.Background(), "tok", &auth.User{ID: "u8", Email: "other@example.com"})
		assert.ErrorIs(t, err, ErrInvitationMismatch)
	})
}

func TestRevokeInvitation(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectExec("UPDATE org_invitations SET revoked_at").
		WithArgs("i1", "o1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, svc.RevokeInvitation(context.Background(), "o1", "i1"), ErrInvitationNotFound)
}
