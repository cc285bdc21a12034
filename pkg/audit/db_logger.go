package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// DBLogger appends audit entries to PostgreSQL.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger.
func NewDBLogger(db *sql.DB) *DBLogger {
	return &DBLogger{db: db}
}

// Record inserts one entry. The table carries no UPDATE or DELETE path.
func (l *DBLogger) Record(ctx context.Context, entry *Entry) error {
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO auth_audit_log (
			timestamp, tenant_id, provider_id, protocol, subject_hash,
			assertion_or_token_id, signature_valid, timestamp_valid,
			audience_valid, overall_valid, jit_provisioned,
			jit_approval_required, session_id, error_code, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, entry.Timestamp, entry.TenantID, entry.ProviderID, entry.Protocol,
		entry.SubjectHash, entry.AssertionOrTokenID,
		entry.SignatureValid, entry.TimestampValid, entry.AudienceValid,
		entry.OverallValid, entry.JITProvisioned, entry.JITApprovalRequired,
		entry.SessionID, entry.ErrorCode, entry.ErrorMessage).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (l *DBLogger) Close() error { return nil }

// AuditLogSchema is the DDL for the audit table.
const AuditLogSchema = `
CREATE TABLE IF NOT EXISTS auth_audit_log (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	tenant_id TEXT NOT NULL,
	provider_id BIGINT NOT NULL,
	protocol TEXT NOT NULL DEFAULT '',
	subject_hash TEXT NOT NULL DEFAULT '',
	assertion_or_token_id TEXT NOT NULL DEFAULT '',
	signature_valid BOOLEAN NOT NULL,
	timestamp_valid BOOLEAN NOT NULL,
	audience_valid BOOLEAN NOT NULL,
	overall_valid BOOLEAN NOT NULL,
	jit_provisioned BOOLEAN NOT NULL DEFAULT false,
	jit_approval_required BOOLEAN NOT NULL DEFAULT false,
	session_id TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_auth_audit_tenant_time
	ON auth_audit_log (tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_auth_audit_subject
	ON auth_audit_log (subject_hash) WHERE subject_hash <> '';
`
