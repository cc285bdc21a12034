package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edukite/keystone/pkg/identity"
	"github.com/edukite/keystone/pkg/observability"
)

// Status is the JIT outcome attached to a session and audit entry.
type Status string

const (
	// StatusNone means JIT was disabled for the provider; the session
	// is issued without a local user.
	StatusNone Status = "none"
	// StatusExisting means the user already existed and had roles
	// refreshed.
	StatusExisting Status = "existing"
	// StatusCreated means a new user was provisioned.
	StatusCreated Status = "created"
	// StatusPending means an approval request was filed and no
	// session may be issued yet.
	StatusPending Status = "pending"
)

// approvalWindow is how long a filed approval request stays
// actionable.
const approvalWindow = 24 * time.Hour

var (
	// ErrEmailRequired rejects provisioning for identities without a
	// resolvable email address.
	ErrEmailRequired = errors.New("identity has no email address")

	// ErrInFlight signals a concurrent provisioning attempt for the
	// same identity; the caller should have the user retry.
	ErrInFlight = errors.New("provisioning already in flight for this identity")

	// ErrUserService and ErrApprovalService wrap collaborator
	// failures so callers can classify them without string matching.
	ErrUserService     = errors.New("user service failure")
	ErrApprovalService = errors.New("approval service failure")
)

// Config is the per-provider provisioning policy.
type Config struct {
	Enabled         bool
	RequireApproval bool
}

// Outcome is the result of one provisioning decision.
type Outcome struct {
	Status            Status
	UserID            string
	ApprovalRequestID string
	Roles             []string
}

// UserService is the remote user store.
type UserService interface {
	// Lookup reports whether a user with this email exists in the
	// tenant, returning its ID when it does.
	Lookup(ctx context.Context, tenantID, email string) (userID string, exists bool, err error)

	// Create provisions a new user and returns its ID.
	Create(ctx context.Context, tenantID string, id *identity.CanonicalIdentity, roles []string) (string, error)

	// UpdateRoles replaces the user's role assignments.
	UpdateRoles(ctx context.Context, tenantID, userID string, roles []string) error
}

// ApprovalService receives approval requests for human review.
type ApprovalService interface {
	Submit(ctx context.Context, req *ApprovalRequest) error
}

// Coordinator runs the provisioning state machine.
type Coordinator struct {
	users     UserService
	approvals ApprovalService
	store     *RequestStore
	guard     Guard
	logger    *observability.Logger
	now       func() time.Time
}

// NewCoordinator wires the provisioning collaborators. A nil guard
// disables concurrency protection.
func NewCoordinator(users UserService, approvals ApprovalService, store *RequestStore, guard Guard, logger *observability.Logger) *Coordinator {
	if guard == nil {
		guard = nopGuard{}
	}
	return &Coordinator{
		users:     users,
		approvals: approvals,
		store:     store,
		guard:     guard,
		logger:    logger,
		now:       time.Now,
	}
}

// Provision decides what to do with a freshly authenticated identity.
//
// The decision ladder: disabled providers skip provisioning entirely;
// an existing user gets a role refresh; a new user is either created
// directly or parked behind an approval request when the provider
// demands review.
func (c *Coordinator) Provision(ctx context.Context, tenantID string, cfg Config, id *identity.CanonicalIdentity, roles []string) (*Outcome, error) {
	if !cfg.Enabled {
		return &Outcome{Status: StatusNone, Roles: roles}, nil
	}

	if id.Email == "" {
		return nil, ErrEmailRequired
	}

	release, acquired, err := c.guard.Acquire(ctx, tenantID, id.Email)
	if err != nil {
		// Guard trouble fails open: losing duplicate-suppression is
		// preferable to locking every login out.
		c.logger.WithError(err).Warn("provisioning guard unavailable, continuing without it")
	} else if !acquired {
		return nil, ErrInFlight
	} else {
		defer release()
	}

	userID, exists, err := c.users.Lookup(ctx, tenantID, id.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup: %v", ErrUserService, err)
	}

	if exists {
		if err := c.users.UpdateRoles(ctx, tenantID, userID, roles); err != nil {
			return nil, fmt.Errorf("%w: update roles: %v", ErrUserService, err)
		}
		c.logger.WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   userID,
		}).Debug("refreshed roles for existing user")
		return &Outcome{Status: StatusExisting, UserID: userID, Roles: roles}, nil
	}

	if cfg.RequireApproval {
		req := &ApprovalRequest{
			TenantID:       tenantID,
			Email:          id.Email,
			DisplayName:    id.DisplayName,
			Subject:        id.Subject,
			RequestedRoles: roles,
		}
		if err := c.store.Create(ctx, req); err != nil {
			return nil, fmt.Errorf("%w: store request: %v", ErrApprovalService, err)
		}
		if err := c.approvals.Submit(ctx, req); err != nil {
			return nil, fmt.Errorf("%w: submit: %v", ErrApprovalService, err)
		}
		c.logger.WithFields(map[string]interface{}{
			"tenant_id":  tenantID,
			"request_id": req.ID,
		}).Info("filed JIT approval request")
		return &Outcome{Status: StatusPending, ApprovalRequestID: req.ID, Roles: roles}, nil
	}

	userID, err = c.users.Create(ctx, tenantID, id, roles)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrUserService, err)
	}
	c.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"user_id":   userID,
	}).Info("provisioned new user")
	return &Outcome{Status: StatusCreated, UserID: userID, Roles: roles}, nil
}

// GetRequest loads an approval request, enforcing the 24h expiry
// window at read time.
func (c *Coordinator) GetRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	return c.store.Get(ctx, requestID)
}
