package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is a single authentication-attempt record. Exactly one entry is
// written per attempt, success or failure.
type Entry struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	TenantID   string `json:"tenant_id"`
	ProviderID int64  `json:"provider_id"`
	Protocol   string `json:"protocol,omitempty"`

	// SubjectHash is the one-way hash of the asserted subject; empty
	// when the attempt failed before a subject could be extracted.
	SubjectHash string `json:"subject_hash,omitempty"`

	// AssertionOrTokenID is the SAML assertion ID or OIDC token jti.
	AssertionOrTokenID string `json:"assertion_or_token_id,omitempty"`

	SignatureValid bool `json:"signature_valid"`
	TimestampValid bool `json:"timestamp_valid"`
	AudienceValid  bool `json:"audience_valid"`
	OverallValid   bool `json:"overall_valid"`

	JITProvisioned      bool   `json:"jit_provisioned"`
	JITApprovalRequired bool   `json:"jit_approval_required"`
	SessionID           string `json:"session_id,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ToJSON serializes the entry for file sinks.
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// HashSubject returns the stable one-way hash used in place of the raw
// subject identifier. An empty subject hashes to the empty string so
// pre-extraction failures stay distinguishable.
func HashSubject(subject string) string {
	if subject == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}
