package provision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequestSchema creates the approval request table.
const ApprovalRequestSchema = `
CREATE TABLE IF NOT EXISTS jit_approval_requests (
	id UUID PRIMARY KEY,
	tenant_id VARCHAR(255) NOT NULL,
	email VARCHAR(512) NOT NULL,
	display_name VARCHAR(512),
	subject VARCHAR(512),
	requested_roles JSONB NOT NULL DEFAULT '[]',
	status VARCHAR(32) NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jit_approval_tenant ON jit_approval_requests(tenant_id, status);
`

var (
	// ErrRequestNotFound means no approval request exists with the
	// given ID.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrRequestExpired means the request existed but its 24h window
	// has passed.
	ErrRequestExpired = errors.New("approval request expired")
)

// ApprovalRequest is a parked provisioning attempt awaiting review.
// Status moves pending -> approved/rejected via the approval service,
// or to expired by the hygiene sweep; the Get-time check is
// authoritative either way.
type ApprovalRequest struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	RequestedRoles []string  `json:"requested_roles"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// RequestStore persists approval requests.
type RequestStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRequestStore creates a store on the given database.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db, now: time.Now}
}

// Migrate applies the approval request schema.
func (s *RequestStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ApprovalRequestSchema); err != nil {
		return fmt.Errorf("failed to migrate approval requests: %w", err)
	}
	return nil
}

// Create persists a new pending request, filling ID and timestamps.
func (s *RequestStore) Create(ctx context.Context, req *ApprovalRequest) error {
	req.ID = uuid.New().String()
	req.Status = "pending"
	req.CreatedAt = s.now().UTC()
	req.ExpiresAt = req.CreatedAt.Add(approvalWindow)

	rolesJSON, err := json.Marshal(req.RequestedRoles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	query := `
		INSERT INTO jit_approval_requests
			(id, tenant_id, email, display_name, subject, requested_roles, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := s.db.ExecContext(ctx, query,
		req.ID, req.TenantID, req.Email, req.DisplayName, req.Subject,
		rolesJSON, req.Status, req.CreatedAt, req.ExpiresAt); err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

// Get loads a request by ID. Pending requests past their window are
// reported as expired regardless of stored status.
func (s *RequestStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, tenant_id, email, display_name, subject, requested_roles, status, created_at, expires_at
		FROM jit_approval_requests
		WHERE id = $1`

	req := &ApprovalRequest{}
	var rolesJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.TenantID, &req.Email, &req.DisplayName, &req.Subject,
		&rolesJSON, &req.Status, &req.CreatedAt, &req.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	if err := json.Unmarshal(rolesJSON, &req.RequestedRoles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}

	if req.Status == "pending" && !s.now().Before(req.ExpiresAt) {
		return nil, ErrRequestExpired
	}
	return req, nil
}

// ExpireStale marks pending requests past their window as expired.
// Run periodically for hygiene; Get enforces the window on its own.
func (s *RequestStore) ExpireStale(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jit_approval_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire approval requests: %w", err)
	}
	return result.RowsAffected()
}
