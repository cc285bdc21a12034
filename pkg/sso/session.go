package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionSchema creates the session table. Sessions are append-only
// state machines: rows are never deleted, only transitioned.
const SessionSchema = `
CREATE TABLE IF NOT EXISTS sso_sessions (
	id UUID PRIMARY KEY,
	provider_id BIGINT NOT NULL,
	tenant_id VARCHAR(255) NOT NULL,
	user_id VARCHAR(255),
	subject VARCHAR(512) NOT NULL,
	email VARCHAR(512),
	groups JSONB NOT NULL DEFAULT '[]',
	roles JSONB NOT NULL DEFAULT '[]',
	jit_status VARCHAR(32) NOT NULL DEFAULT 'none',
	jit_approval_request_id UUID,
	state VARCHAR(32) NOT NULL DEFAULT 'active',
	session_index VARCHAR(512),
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sso_sessions_state ON sso_sessions(state, expires_at);
`

var (
	// ErrSessionNotFound means no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive means the session exists but has expired or
	// been logged out.
	ErrSessionNotActive = errors.New("session is not active")
)

// SessionManager persists and transitions SSO sessions.
type SessionManager struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionManager creates a manager on the given database.
func NewSessionManager(db *sql.DB) *SessionManager {
	return &SessionManager{db: db, now: time.Now}
}

// Create persists a new active session. The caller sets ExpiresAt;
// ID, state, and CreatedAt are filled here.
func (m *SessionManager) Create(ctx context.Context, session *SSOSession) error {
	session.ID = uuid.New().String()
	session.State = SessionActive
	session.CreatedAt = m.now().UTC()
	if session.JITStatus == "" {
		session.JITStatus = "none"
	}

	groupsJSON, err := json.Marshal(orEmpty(session.Groups))
	if err != nil {
		return fmt.Errorf("failed to marshal groups: %w", err)
	}
	rolesJSON, err := json.Marshal(orEmpty(session.Roles))
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	query := `
		INSERT INTO sso_sessions
			(id, provider_id, tenant_id, user_id, subject, email, groups, roles,
			 jit_status, jit_approval_request_id, state, session_index, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = m.db.ExecContext(ctx, query,
		session.ID, session.ProviderID, session.TenantID,
		nullableString(session.UserID), session.Subject, session.Email,
		groupsJSON, rolesJSON, session.JITStatus,
		nullableString(session.JITApprovalRequestID), session.State,
		session.SessionIndex, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get loads a session by ID regardless of state.
func (m *SessionManager) Get(ctx context.Context, id string) (*SSOSession, error) {
	query := `
		SELECT id, provider_id, tenant_id, user_id, subject, email, groups, roles,
			   jit_status, jit_approval_request_id, state, session_index, created_at, expires_at
		FROM sso_sessions
		WHERE id = $1`

	session := &SSOSession{}
	var userID, approvalID sql.NullString
	var groupsJSON, rolesJSON []byte
	err := m.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.ProviderID, &session.TenantID, &userID,
		&session.Subject, &session.Email, &groupsJSON, &rolesJSON,
		&session.JITStatus, &approvalID, &session.State, &session.SessionIndex,
		&session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.UserID = userID.String
	session.JITApprovalRequestID = approvalID.String
	if err := json.Unmarshal(groupsJSON, &session.Groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal groups: %w", err)
	}
	if err := json.Unmarshal(rolesJSON, &session.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	return session, nil
}

// GetActive loads a session and rejects it unless it is usable right
// now. Expiry is enforced here even before the sweep has run.
func (m *SessionManager) GetActive(ctx context.Context, id string) (*SSOSession, error) {
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Active(m.now()) {
		return nil, ErrSessionNotActive
	}
	return session, nil
}

// Logout transitions an active session to logged_out. Logging out an
// already-ended session is not an error.
func (m *SessionManager) Logout(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx,
		`UPDATE sso_sessions SET state = $1 WHERE id = $2 AND state = $3`,
		SessionLoggedOut, id, SessionActive)
	if err != nil {
		return fmt.Errorf("failed to log out session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Distinguish missing from already-ended.
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ExpireStale transitions active sessions past their expiry to
// expired. Run periodically; GetActive enforces expiry on its own.
func (m *SessionManager) ExpireStale(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx,
		`UPDATE sso_sessions SET state = $1 WHERE state = $2 AND expires_at <= NOW()`,
		SessionExpired, SessionActive)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return result.RowsAffected()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
