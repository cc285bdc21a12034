package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edukite/keystone/pkg/audit"
	"github.com/edukite/keystone/pkg/identity"
	"github.com/edukite/keystone/pkg/observability"
	"github.com/edukite/keystone/pkg/provision"
	"github.com/edukite/keystone/pkg/rolemap"
)

// validatorCacheSize bounds how many compiled provider validators stay
// warm. Providers evicted under pressure are simply rebuilt.
const validatorCacheSize = 256

// Options carries the service-wide authentication defaults.
type Options struct {
	// SessionTTL is the default session lifetime; providers may
	// override it.
	SessionTTL time.Duration

	// ClockSkew is the default timestamp tolerance; providers may
	// override it.
	ClockSkew time.Duration

	// RequestTimeout bounds outbound IdP calls.
	RequestTimeout time.Duration

	// SupportTokenSecret signs support tokens for users parked behind
	// JIT approval; SupportTokenTTL bounds their validity.
	SupportTokenSecret string
	SupportTokenTTL    time.Duration
}

// Provisioner is the JIT provisioning collaborator. Satisfied by
// *provision.Coordinator.
type Provisioner interface {
	Provision(ctx context.Context, tenantID string, cfg provision.Config, id *identity.CanonicalIdentity, roles []string) (*provision.Outcome, error)
	GetRequest(ctx context.Context, requestID string) (*provision.ApprovalRequest, error)
}

// LoginOutcome is the result of a completed authentication attempt.
// Session is nil when provisioning is pending approval.
type LoginOutcome struct {
	Session           *SSOSession
	JITStatus         provision.Status
	ApprovalRequestID string
	Identity          *identity.CanonicalIdentity
	Roles             []string
}

// Service orchestrates the authentication pipeline: provider lookup,
// protocol validation, role mapping, JIT provisioning, session
// issuance, and the audit trail.
type Service struct {
	providers   *Storage
	sessions    *SessionManager
	coordinator Provisioner
	auditor     audit.Logger
	metrics     *observability.Metrics
	logger      *observability.Logger
	opts        Options
	httpClient  *http.Client

	samlCache *lru.Cache[string, *SAMLProvider]
	oidcCache *lru.Cache[string, *OIDCProvider]

	now func() time.Time
}

// NewService wires the authentication core on the given database and
// collaborators.
func NewService(db *sql.DB, coordinator Provisioner, auditor audit.Logger,
	metrics *observability.Metrics, logger *observability.Logger, opts Options) *Service {

	if auditor == nil {
		auditor = audit.NopLogger{}
	}
	samlCache, _ := lru.New[string, *SAMLProvider](validatorCacheSize)
	oidcCache, _ := lru.New[string, *OIDCProvider](validatorCacheSize)

	return &Service{
		providers:   NewStorage(db),
		sessions:    NewSessionManager(db),
		coordinator: coordinator,
		auditor:     auditor,
		metrics:     metrics,
		logger:      logger,
		opts:        opts,
		httpClient:  &http.Client{Timeout: opts.RequestTimeout},
		samlCache:   samlCache,
		oidcCache:   oidcCache,
		now:         time.Now,
	}
}

// Providers exposes provider storage for administrative wiring.
func (s *Service) Providers() *Storage { return s.providers }

// Sessions exposes the session manager for the hygiene sweep.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// provider loads an enabled provider registration of the expected
// protocol. Lookup failures are configuration errors and are not
// audited; nothing about the attempt has been presented yet.
func (s *Service) provider(ctx context.Context, tenantID, name string, protocol Protocol) (*ProviderConfig, error) {
	cfg, err := s.providers.GetProvider(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol != protocol {
		return nil, newError(CodeProviderNotFound, "provider %q speaks %s, not %s", name, cfg.Protocol, protocol)
	}
	if !cfg.Enabled {
		return nil, newError(CodeProviderDisabled, "provider %q is disabled", name)
	}
	return cfg, nil
}

func (s *Service) samlProvider(cfg *ProviderConfig) (*SAMLProvider, error) {
	if cached, ok := s.samlCache.Get(cfg.cacheKey()); ok {
		return cached, nil
	}
	provider, err := NewSAMLProvider(cfg, s.opts.ClockSkew)
	if err != nil {
		return nil, err
	}
	s.samlCache.Add(cfg.cacheKey(), provider)
	return provider, nil
}

func (s *Service) oidcProvider(cfg *ProviderConfig) (*OIDCProvider, error) {
	if cached, ok := s.oidcCache.Get(cfg.cacheKey()); ok {
		return cached, nil
	}
	provider, err := NewOIDCProvider(cfg, s.httpClient, s.opts.ClockSkew)
	if err != nil {
		return nil, err
	}
	s.oidcCache.Add(cfg.cacheKey(), provider)
	return provider, nil
}

// BeginSAMLLogin builds the SP-initiated redirect URL, returning the
// AuthnRequest ID for later InResponseTo correlation.
func (s *Service) BeginSAMLLogin(ctx context.Context, tenantID, providerName, relayState string) (string, string, error) {
	cfg, err := s.provider(ctx, tenantID, providerName, ProtocolSAML)
	if err != nil {
		return "", "", err
	}
	provider, err := s.samlProvider(cfg)
	if err != nil {
		return "", "", err
	}
	return provider.BuildLoginURL(relayState)
}

// SAMLMetadata returns the SP metadata document for a provider.
func (s *Service) SAMLMetadata(ctx context.Context, tenantID, providerName string) ([]byte, error) {
	cfg, err := s.provider(ctx, tenantID, providerName, ProtocolSAML)
	if err != nil {
		return nil, err
	}
	provider, err := s.samlProvider(cfg)
	if err != nil {
		return nil, err
	}
	return provider.Metadata()
}

// BeginOIDCLogin builds the authorization redirect URL.
func (s *Service) BeginOIDCLogin(ctx context.Context, tenantID, providerName, state, nonce string) (string, error) {
	cfg, err := s.provider(ctx, tenantID, providerName, ProtocolOIDC)
	if err != nil {
		return "", err
	}
	provider, err := s.oidcProvider(cfg)
	if err != nil {
		return "", err
	}
	return provider.BuildLoginURL(ctx, state, nonce)
}

// AuthenticateSAML validates a posted SAML response and completes the
// attempt through provisioning, session issuance, and audit.
func (s *Service) AuthenticateSAML(ctx context.Context, tenantID, providerName, rawResponse, expectedRequestID string) (*LoginOutcome, error) {
	cfg, err := s.provider(ctx, tenantID, providerName, ProtocolSAML)
	if err != nil {
		return nil, err
	}
	provider, err := s.samlProvider(cfg)
	if err != nil {
		return nil, err
	}

	start := s.now()
	result := provider.Validate(rawResponse, expectedRequestID)
	return s.complete(ctx, cfg, result, start)
}

// AuthenticateOIDC completes an OIDC callback through the same
// pipeline.
func (s *Service) AuthenticateOIDC(ctx context.Context, tenantID, providerName, code, state, expectedState, nonce string) (*LoginOutcome, error) {
	cfg, err := s.provider(ctx, tenantID, providerName, ProtocolOIDC)
	if err != nil {
		return nil, err
	}
	provider, err := s.oidcProvider(cfg)
	if err != nil {
		return nil, err
	}

	start := s.now()
	result := provider.Exchange(ctx, code, state, expectedState, nonce)
	return s.complete(ctx, cfg, result, start)
}

// complete runs the post-validation half of the pipeline. Every path
// through here records exactly one audit entry: best effort on
// failures, mandatory on success.
func (s *Service) complete(ctx context.Context, cfg *ProviderConfig, result *ValidationResult, start time.Time) (*LoginOutcome, error) {
	protocol := string(cfg.Protocol)
	entry := s.baseEntry(cfg, result)

	if !result.Valid {
		failure := result.FirstError()
		if failure == nil {
			failure = newError(CodeInvalidFormat, "validation failed")
		}
		entry.ErrorCode = string(failure.Code)
		entry.ErrorMessage = failure.Message
		s.recordBestEffort(ctx, entry)
		s.observe(protocol, "failure", string(failure.Code), start)
		return nil, failure
	}

	groups := result.Identity.SortedGroups()
	roles, _ := rolemap.MapRoles(groups, cfg.Policy())

	outcome, err := s.coordinator.Provision(ctx, cfg.TenantID, provision.Config{
		Enabled:         cfg.JITEnabled,
		RequireApproval: cfg.RequireApproval,
	}, result.Identity, roles)
	if err != nil {
		failure := classifyProvisionError(err)
		entry.ErrorCode = string(failure.Code)
		entry.ErrorMessage = failure.Message
		s.recordBestEffort(ctx, entry)
		s.observe(protocol, "failure", string(failure.Code), start)
		return nil, failure
	}

	entry.JITProvisioned = outcome.Status == provision.StatusCreated
	entry.JITApprovalRequired = outcome.Status == provision.StatusPending
	if s.metrics != nil {
		s.metrics.JITOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	}

	if outcome.Status == provision.StatusPending {
		entry.OverallValid = true
		if err := s.auditor.Record(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to record audit entry: %w", err)
		}
		s.observe(protocol, "pending", "", start)
		return &LoginOutcome{
			JITStatus:         outcome.Status,
			ApprovalRequestID: outcome.ApprovalRequestID,
			Identity:          result.Identity,
			Roles:             roles,
		}, nil
	}

	session := &SSOSession{
		ProviderID:   cfg.ID,
		TenantID:     cfg.TenantID,
		UserID:       outcome.UserID,
		Subject:      result.Identity.Subject,
		Email:        result.Identity.Email,
		Groups:       groups,
		Roles:        roles,
		JITStatus:    string(outcome.Status),
		SessionIndex: result.Metadata.SessionIndex,
		ExpiresAt:    s.now().UTC().Add(cfg.SessionTTL(s.opts.SessionTTL)),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		entry.ErrorCode = string(CodeInvalidConfig)
		entry.ErrorMessage = "session issuance failed"
		s.recordBestEffort(ctx, entry)
		s.observe(protocol, "failure", "SessionIssuance", start)
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	entry.OverallValid = true
	entry.SessionID = session.ID
	if err := s.auditor.Record(ctx, entry); err != nil {
		// Non-repudiation over availability: a session without an
		// audit trail must not be handed out.
		return nil, fmt.Errorf("failed to record audit entry: %w", err)
	}

	s.observe(protocol, "success", "", start)
	s.logger.WithFields(map[string]interface{}{
		"tenant_id":  cfg.TenantID,
		"provider":   cfg.Name,
		"protocol":   protocol,
		"session_id": session.ID,
		"jit_status": session.JITStatus,
	}).Info("authentication succeeded")

	return &LoginOutcome{
		Session:   session,
		JITStatus: outcome.Status,
		Identity:  result.Identity,
		Roles:     roles,
	}, nil
}

func (s *Service) baseEntry(cfg *ProviderConfig, result *ValidationResult) *audit.Entry {
	entry := &audit.Entry{
		Timestamp:      s.now().UTC(),
		TenantID:       cfg.TenantID,
		ProviderID:     cfg.ID,
		Protocol:       string(cfg.Protocol),
		SignatureValid: result.SignatureValid,
		TimestampValid: result.TimestampValid,
		AudienceValid:  result.AudienceValid,
	}
	if result.Identity != nil {
		entry.SubjectHash = audit.HashSubject(result.Identity.Subject)
	}
	if result.Metadata.AssertionID != "" {
		entry.AssertionOrTokenID = result.Metadata.AssertionID
	} else {
		entry.AssertionOrTokenID = result.Metadata.TokenID
	}
	return entry
}

func (s *Service) recordBestEffort(ctx context.Context, entry *audit.Entry) {
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.WithError(err).Error("failed to record audit entry for failed attempt")
	}
}

func (s *Service) observe(protocol, outcome, code string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.AuthAttempts.WithLabelValues(protocol, outcome).Inc()
	if code != "" {
		s.metrics.ValidationFailures.WithLabelValues(protocol, code).Inc()
	}
	s.metrics.AttemptDuration.WithLabelValues(protocol).Observe(s.now().Sub(start).Seconds())
}

func classifyProvisionError(err error) *Error {
	switch {
	case errors.Is(err, provision.ErrEmailRequired):
		return wrapError(CodeMissingEmail, err, "identity has no email address")
	case errors.Is(err, provision.ErrInFlight):
		return wrapError(CodeProvisioningInFlight, err, "provisioning already in flight, retry shortly")
	case errors.Is(err, provision.ErrApprovalService):
		return wrapError(CodeApprovalServiceFailed, err, "approval service unavailable")
	default:
		return wrapError(CodeUserServiceFailed, err, "user service unavailable")
	}
}

// GetSession returns a session if it is usable right now.
func (s *Service) GetSession(ctx context.Context, id string) (*SSOSession, error) {
	return s.sessions.GetActive(ctx, id)
}

// Logout ends a session.
func (s *Service) Logout(ctx context.Context, id string) error {
	return s.sessions.Logout(ctx, id)
}

// SupportToken is a short-lived credential for users parked behind
// JIT approval, scoped to checking their own request status.
type SupportToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueSupportToken signs a support token for a pending approval
// request.
func (s *Service) IssueSupportToken(ctx context.Context, approvalRequestID string) (*SupportToken, error) {
	if s.opts.SupportTokenSecret == "" {
		return nil, newError(CodeInvalidConfig, "support tokens are not configured")
	}

	req, err := s.coordinator.GetRequest(ctx, approvalRequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != "pending" {
		return nil, fmt.Errorf("approval request %s is %s, not pending", req.ID, req.Status)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.opts.SupportTokenTTL)
	claims := jwt.MapClaims{
		"sub":   req.ID,
		"tid":   req.TenantID,
		"email": req.Email,
		"scope": "support:approval-status",
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.opts.SupportTokenSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign support token: %w", err)
	}
	return &SupportToken{Token: signed, ExpiresAt: expiresAt}, nil
}
