package sso

import (
	"time"

	"github.com/edukite/keystone/pkg/identity"
	"github.com/edukite/keystone/pkg/rolemap"
)

// Protocol identifies the federation protocol a provider speaks.
type Protocol string

const (
	ProtocolSAML Protocol = "saml"
	ProtocolOIDC Protocol = "oidc"
)

// ProviderConfig is a tenant's identity provider registration. Exactly
// one of SAML or OIDC is populated, matching Protocol.
type ProviderConfig struct {
	ID       int64    `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`
	Enabled  bool     `json:"enabled"`

	// JITEnabled turns on just-in-time user provisioning for this
	// provider; RequireApproval gates provisioning behind an approval
	// workflow.
	JITEnabled      bool `json:"jit_enabled"`
	RequireApproval bool `json:"require_approval"`

	// SessionTTLSeconds and ClockSkewSeconds override the service-wide
	// defaults when positive.
	SessionTTLSeconds int `json:"session_ttl_seconds,omitempty"`
	ClockSkewSeconds  int `json:"clock_skew_seconds,omitempty"`

	SAML *SAMLConfig `json:"saml,omitempty"`
	OIDC *OIDCConfig `json:"oidc,omitempty"`

	// RoleMapping translates IdP groups to application roles. Nil
	// falls back to rolemap.DefaultPolicy.
	RoleMapping *rolemap.Policy `json:"role_mapping,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionTTL returns the provider session lifetime, falling back to
// the given default.
func (c *ProviderConfig) SessionTTL(def time.Duration) time.Duration {
	if c.SessionTTLSeconds > 0 {
		return time.Duration(c.SessionTTLSeconds) * time.Second
	}
	return def
}

// ClockSkew returns the provider timestamp tolerance, falling back to
// the given default.
func (c *ProviderConfig) ClockSkew(def time.Duration) time.Duration {
	if c.ClockSkewSeconds > 0 {
		return time.Duration(c.ClockSkewSeconds) * time.Second
	}
	return def
}

// Policy returns the provider role mapping policy, falling back to the
// built-in default.
func (c *ProviderConfig) Policy() *rolemap.Policy {
	if c.RoleMapping != nil {
		return c.RoleMapping
	}
	return rolemap.DefaultPolicy()
}

// SAMLConfig holds the SAML 2.0 settings for a provider.
type SAMLConfig struct {
	IdPEntityID string `json:"idp_entity_id"`
	SSOURL      string `json:"sso_url"`

	// Certificate is the IdP signing certificate in PEM form. When
	// empty, signature verification is vacuously satisfied; operators
	// accept that risk explicitly by omitting it.
	Certificate string `json:"certificate,omitempty"`

	SPEntityID string `json:"sp_entity_id"`

	// ACSURL is where the IdP posts responses; the response
	// Destination attribute, when present, must match it exactly.
	ACSURL string `json:"acs_url"`

	NameIDFormat string `json:"name_id_format,omitempty"`

	// SignRequests enables AuthnRequest signing with PrivateKey.
	SignRequests bool   `json:"sign_requests,omitempty"`
	PrivateKey   string `json:"private_key,omitempty"`
}

// OIDCConfig holds the OpenID Connect settings for a provider.
// Endpoint fields, when set, take precedence over the discovery
// document.
type OIDCConfig struct {
	IssuerURL    string `json:"issuer_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`

	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
}

// ProtocolMetadata carries protocol-level identifiers extracted during
// validation, preserved for the audit trail and logout.
type ProtocolMetadata struct {
	AssertionID  string `json:"assertion_id,omitempty"`
	SessionIndex string `json:"session_index,omitempty"`
	TokenID      string `json:"token_id,omitempty"`
}

// ValidationResult is the outcome of validating one SAML response or
// OIDC callback. The three sub-verdicts are computed independently so
// a failure report can show everything that was wrong, and Valid holds
// only when all three hold.
type ValidationResult struct {
	Valid bool

	SignatureValid bool
	TimestampValid bool
	AudienceValid  bool

	Identity *identity.CanonicalIdentity
	Metadata ProtocolMetadata

	Errors []*Error
}

// fail records a structural failure that aborts the pipeline.
func (r *ValidationResult) fail(code ErrorCode, format string, args ...interface{}) *ValidationResult {
	r.Valid = false
	r.Errors = append(r.Errors, newError(code, format, args...))
	return r
}

func (r *ValidationResult) addError(err *Error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// FirstError returns the primary failure, or nil for a valid result.
func (r *ValidationResult) FirstError() *Error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// SessionState is the lifecycle state of an SSO session. Sessions are
// never deleted, only transitioned.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
	SessionLoggedOut SessionState = "logged_out"
)

// SSOSession is an issued application session.
type SSOSession struct {
	ID         string       `json:"id"`
	ProviderID int64        `json:"provider_id"`
	TenantID   string       `json:"tenant_id"`
	UserID     string       `json:"user_id,omitempty"`
	Subject    string       `json:"subject"`
	Email      string       `json:"email,omitempty"`
	Groups     []string     `json:"groups,omitempty"`
	Roles      []string     `json:"roles,omitempty"`
	JITStatus  string       `json:"jit_status"`
	State      SessionState `json:"state"`

	// JITApprovalRequestID links the session to the approval request
	// that provisioned its user, when one existed.
	JITApprovalRequestID string `json:"jit_approval_request_id,omitempty"`

	// SessionIndex is the IdP-side SAML session handle, kept for
	// future single logout.
	SessionIndex string `json:"session_index,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the session is usable at the given instant.
// Expiry is enforced at read time regardless of stored state.
func (s *SSOSession) Active(now time.Time) bool {
	return s.State == SessionActive && now.Before(s.ExpiresAt)
}
