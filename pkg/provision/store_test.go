package provision

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithMock(t *testing.T) (*RequestStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRequestStore(db), mock
}

func requestRow(status string, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "email", "display_name", "subject",
		"requested_roles", "status", "created_at", "expires_at",
	}).AddRow(
		"req-1", "acme", "jdoe@acme.example", "Jane Doe", "jdoe@acme.example",
		[]byte(`["staff"]`), status, time.Now().Add(-time.Hour), expiresAt,
	)
}

func TestRequestStoreCreate(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectExec(`INSERT INTO jit_approval_requests`).WillReturnResult(sqlmock.NewResult(1, 1))

	req := &ApprovalRequest{
		TenantID:       "acme",
		Email:          "jdoe@acme.example",
		RequestedRoles: []string{"staff"},
	}
	require.NoError(t, store.Create(context.Background(), req))

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, req.CreatedAt.Add(24*time.Hour), req.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStoreGet(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM jit_approval_requests`).
		WillReturnRows(requestRow("pending", time.Now().Add(time.Hour)))

	req, err := store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, []string{"staff"}, req.RequestedRoles)
}

func TestRequestStoreGetNotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM jit_approval_requests`).WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRequestStoreGetExpiredPending(t *testing.T) {
	store, mock := newStoreWithMock(t)

	// Still marked pending in the table; the window check is applied
	// at read time.
	mock.ExpectQuery(`SELECT .+ FROM jit_approval_requests`).
		WillReturnRows(requestRow("pending", time.Now().Add(-time.Minute)))

	_, err := store.Get(context.Background(), "req-1")
	assert.ErrorIs(t, err, ErrRequestExpired)
}

func TestRequestStoreGetApprovedPastWindow(t *testing.T) {
	store, mock := newStoreWithMock(t)

	// Only pending requests auto-expire; resolved ones stay readable.
	mock.ExpectQuery(`SELECT .+ FROM jit_approval_requests`).
		WillReturnRows(requestRow("approved", time.Now().Add(-time.Minute)))

	req, err := store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", req.Status)
}

func TestRequestStoreExpireStale(t *testing.T) {
	store, mock := newStoreWithMock(t)
	mock.ExpectExec(`UPDATE jit_approval_requests SET status`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
