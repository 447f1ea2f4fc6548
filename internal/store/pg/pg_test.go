package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/model"
)

var sessionCols = []string{"id", "request_id", "item_id", "user_id", "status", "checked_out_at", "expires_at",
	"checked_in_at", "checked_in_by", "credential_ref"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCheckoutInsertsSession(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update pam_sessions").
		WithArgs("r1", "i1", now, model.SystemExpiryActor).
		WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery("insert into pam_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectCommit()

	sess := &model.PamSession{ID: "s1", RequestID: "r1", ItemID: "i1", UserID: "u", CheckedOutAt: now, ExpiresAt: now.Add(time.Hour)}
	expired, err := s.Sessions().Checkout(context.Background(), sess, now)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, model.SessionActive, sess.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutReportsActiveSession(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	past := now.Add(-2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("update pam_sessions").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("old", "r1", "i1", "a", "checked_in", past, past.Add(time.Hour), now, model.SystemExpiryActor, nil))
	mock.ExpectQuery("insert into pam_sessions").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("select id from pam_sessions").
		WithArgs("r1", "i1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("live"))
	mock.ExpectCommit()

	expired, err := s.Sessions().Checkout(context.Background(),
		&model.PamSession{RequestID: "r1", ItemID: "i1", UserID: "b", CheckedOutAt: now, ExpiresAt: now.Add(time.Hour)}, now)

	var ev *apperr.ExclusivityViolationError
	require.True(t, errors.As(err, &ev))
	assert.Equal(t, "live", ev.ActiveSessionID)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, model.SessionCheckedIn, expired[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update pam_sessions").WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery("insert into pam_sessions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.Sessions().Checkout(context.Background(),
		&model.PamSession{RequestID: "r1", ItemID: "i1", ExpiresAt: now.Add(time.Hour)}, now)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckinClosedSessionConflicts(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("update pam_sessions").WithArgs("s1", now, "u").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select .* from pam_sessions where id").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("s1", "r1", "i1", "u", "checked_in", now, now, now, "u", nil))

	_, err := s.Sessions().Checkin(context.Background(), "s1", "u", now)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	mock.ExpectQuery("update pam_sessions").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select .* from pam_sessions where id").WillReturnError(sql.ErrNoRows)
	_, err = s.Sessions().Checkin(context.Background(), "missing", "u", now)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedIsConditional(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("update access_requests set completed_at .* completed_at is null").
		WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update access_requests set completed_at").
		WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	set, err := s.Requests().MarkCompleted(context.Background(), "r1", at)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = s.Requests().MarkCompleted(context.Background(), "r1", at)
	require.NoError(t, err)
	assert.False(t, set)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlatformCreateConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into agency_platforms").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.Platforms().Create(context.Background(), &model.AgencyPlatform{PlatformKey: "meta", DisplayName: "Meta"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientFindNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, name, email, created_at from clients").WithArgs("c1").WillReturnError(sql.ErrNoRows)

	_, err := s.Clients().Find(context.Background(), "c1")
	var nf *apperr.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "client", nf.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestFindLoadsItems(t *testing.T) {
	s, mock := newMock(t)
	created := time.Now().UTC()

	mock.ExpectQuery("select id, client_id, token, created_by, created_at, completed_at from access_requests where token").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "token", "created_by", "created_at", "completed_at"}).
			AddRow("r1", "c1", "tok", "admin", created, nil))
	mock.ExpectQuery("from access_request_items where access_request_id").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "access_request_id", "access_item_id", "platform_id", "platform_key",
			"item_type", "role", "resolved_identity", "client_instructions", "verification_mode", "agency_config",
			"pam_config", "status", "validated_at", "validated_by", "validation_result", "client_provided_target",
			"pam_username", "pam_secret_ref", "evidence"}).
			AddRow("i1", "r1", "ai1", "p1", "mailchimp", "SHARED_ACCOUNT_PAM", "admin", "",
				[]byte(`[{"number":1,"text":"Share the login"}]`), "ATTESTATION_ONLY", nil,
				[]byte(`{"ownership":"CLIENT_OWNED"}`), "pending", nil, nil, nil, nil, nil, nil, nil))

	r, err := s.Requests().FindByToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, r.CompletedAt)
	require.Len(t, r.Items, 1)
	it := r.Items[0]
	assert.Equal(t, model.OwnershipClientOwned, it.Ownership())
	require.Len(t, it.ClientInstructions, 1)
	assert.Equal(t, "Share the login", it.ClientInstructions[0].Text)
	assert.Equal(t, model.ItemPending, it.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
