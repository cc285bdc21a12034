package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionManagerWithMock(t *testing.T) (*SessionManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionManager(db), mock
}

func sessionRow(state SessionState, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "provider_id", "tenant_id", "user_id", "subject", "email",
		"groups", "roles", "jit_status", "jit_approval_request_id", "state",
		"session_index", "created_at", "expires_at",
	}).AddRow(
		"sess-1", int64(1), "acme", "user-1",
		"jdoe@acme.example", "jdoe@acme.example",
		[]byte(`["Engineering"]`), []byte(`["staff"]`), "existing", nil, string(state), "",
		time.Now().Add(-time.Hour), expiresAt,
	)
}

func TestSessionCreate(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectExec(`INSERT INTO sso_sessions`).WillReturnResult(sqlmock.NewResult(1, 1))

	session := &SSOSession{
		ProviderID: 1,
		TenantID:   "acme",
		UserID:     "user-1",
		Subject:    "jdoe@acme.example",
		Email:      "jdoe@acme.example",
		Groups:     []string{"Engineering"},
		Roles:      []string{"staff"},
		JITStatus:  "existing",
		ExpiresAt:  time.Now().Add(8 * time.Hour),
	}
	require.NoError(t, manager.Create(context.Background(), session))

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, SessionActive, session.State)
	assert.False(t, session.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionGetActive(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).
		WillReturnRows(sessionRow(SessionActive, time.Now().Add(time.Hour)))

	session, err := manager.GetActive(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.ID)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, []string{"Engineering"}, session.Groups)
}

func TestSessionGetActiveRejectsExpired(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)

	// Still marked active in the table; the sweep has not run yet.
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).
		WillReturnRows(sessionRow(SessionActive, time.Now().Add(-time.Minute)))

	_, err := manager.GetActive(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionGetActiveRejectsLoggedOut(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).
		WillReturnRows(sessionRow(SessionLoggedOut, time.Now().Add(time.Hour)))

	_, err := manager.GetActive(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionGetNotFound(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).WillReturnError(sql.ErrNoRows)

	_, err := manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionLogout(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectExec(`UPDATE sso_sessions SET state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, manager.Logout(context.Background(), "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionLogoutMissing(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectExec(`UPDATE sso_sessions SET state`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).WillReturnError(sql.ErrNoRows)

	err := manager.Logout(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionLogoutAlreadyEnded(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectExec(`UPDATE sso_sessions SET state`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions`).
		WillReturnRows(sessionRow(SessionLoggedOut, time.Now().Add(time.Hour)))

	// Logging out twice is idempotent.
	assert.NoError(t, manager.Logout(context.Background(), "sess-1"))
}

func TestSessionExpireStale(t *testing.T) {
	manager, mock := newSessionManagerWithMock(t)
	mock.ExpectExec(`UPDATE sso_sessions SET state`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := manager.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
