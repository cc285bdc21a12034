package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ProviderSchema creates the provider registration table. Protocol
// settings and role mapping policies live in JSONB columns so tenants
// can carry arbitrary policy shapes without schema churn.
const ProviderSchema = `
CREATE TABLE IF NOT EXISTS sso_providers (
	id BIGSERIAL PRIMARY KEY,
	tenant_id VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	protocol VARCHAR(16) NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT true,
	jit_enabled BOOLEAN NOT NULL DEFAULT false,
	require_approval BOOLEAN NOT NULL DEFAULT false,
	session_ttl_seconds INTEGER NOT NULL DEFAULT 0,
	clock_skew_seconds INTEGER NOT NULL DEFAULT 0,
	saml_config JSONB,
	oidc_config JSONB,
	role_mapping JSONB,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	UNIQUE(tenant_id, name)
);
`

// Storage persists provider registrations, scoped by tenant.
type Storage struct {
	db *sql.DB
}

// NewStorage creates provider storage on the given database.
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Migrate applies the provider and session schemas.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, schema := range []string{ProviderSchema, SessionSchema} {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CreateProvider registers a provider and fills its ID and timestamps.
func (s *Storage) CreateProvider(ctx context.Context, cfg *ProviderConfig) error {
	samlJSON, oidcJSON, mappingJSON, err := marshalConfigs(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sso_providers
			(tenant_id, name, protocol, enabled, jit_enabled, require_approval,
			 session_ttl_seconds, clock_skew_seconds, saml_config, oidc_config, role_mapping)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		cfg.TenantID, cfg.Name, cfg.Protocol, cfg.Enabled, cfg.JITEnabled, cfg.RequireApproval,
		cfg.SessionTTLSeconds, cfg.ClockSkewSeconds, samlJSON, oidcJSON, mappingJSON,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetProvider loads a provider by tenant and name.
func (s *Storage) GetProvider(ctx context.Context, tenantID, name string) (*ProviderConfig, error) {
	query := providerSelect + ` WHERE tenant_id = $1 AND name = $2`
	return s.scanProvider(s.db.QueryRowContext(ctx, query, tenantID, name))
}

// GetProviderByID loads a provider by primary key.
func (s *Storage) GetProviderByID(ctx context.Context, id int64) (*ProviderConfig, error) {
	query := providerSelect + ` WHERE id = $1`
	return s.scanProvider(s.db.QueryRowContext(ctx, query, id))
}

// ListProviders returns all providers registered for a tenant.
func (s *Storage) ListProviders(ctx context.Context, tenantID string) ([]*ProviderConfig, error) {
	query := providerSelect + ` WHERE tenant_id = $1 ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		cfg, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, cfg)
	}
	return providers, rows.Err()
}

// UpdateProvider rewrites a provider registration in place.
func (s *Storage) UpdateProvider(ctx context.Context, cfg *ProviderConfig) error {
	samlJSON, oidcJSON, mappingJSON, err := marshalConfigs(cfg)
	if err != nil {
		return err
	}

	query := `
		UPDATE sso_providers
		SET enabled = $1, jit_enabled = $2, require_approval = $3,
			session_ttl_seconds = $4, clock_skew_seconds = $5,
			saml_config = $6, oidc_config = $7, role_mapping = $8,
			updated_at = NOW()
		WHERE id = $9`

	result, err := s.db.ExecContext(ctx, query,
		cfg.Enabled, cfg.JITEnabled, cfg.RequireApproval,
		cfg.SessionTTLSeconds, cfg.ClockSkewSeconds,
		samlJSON, oidcJSON, mappingJSON, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return newError(CodeProviderNotFound, "provider %d not found", cfg.ID)
	}
	return nil
}

const providerSelect = `
	SELECT id, tenant_id, name, protocol, enabled, jit_enabled, require_approval,
		   session_ttl_seconds, clock_skew_seconds, saml_config, oidc_config, role_mapping,
		   created_at, updated_at
	FROM sso_providers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanProvider(row rowScanner) (*ProviderConfig, error) {
	cfg := &ProviderConfig{}
	var samlJSON, oidcJSON, mappingJSON []byte

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Protocol, &cfg.Enabled,
		&cfg.JITEnabled, &cfg.RequireApproval,
		&cfg.SessionTTLSeconds, &cfg.ClockSkewSeconds,
		&samlJSON, &oidcJSON, &mappingJSON,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(CodeProviderNotFound, "provider not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}

	if len(samlJSON) > 0 {
		cfg.SAML = &SAMLConfig{}
		if err := json.Unmarshal(samlJSON, cfg.SAML); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}
	if len(oidcJSON) > 0 {
		cfg.OIDC = &OIDCConfig{}
		if err := json.Unmarshal(oidcJSON, cfg.OIDC); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
	}
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &cfg.RoleMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role mapping: %w", err)
		}
	}
	return cfg, nil
}

func marshalConfigs(cfg *ProviderConfig) (saml, oidc, mapping []byte, err error) {
	if cfg.SAML != nil {
		if saml, err = json.Marshal(cfg.SAML); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if cfg.OIDC != nil {
		if oidc, err = json.Marshal(cfg.OIDC); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal OIDC config: %w", err)
		}
	}
	if cfg.RoleMapping != nil {
		if mapping, err = json.Marshal(cfg.RoleMapping); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal role mapping: %w", err)
		}
	}
	return saml, oidc, mapping, nil
}

// cacheKey identifies a provider build in the validator cache; the
// updated-at component invalidates cached validators when operators
// rewrite a registration.
func (c *ProviderConfig) cacheKey() string {
	return fmt.Sprintf("%s/%s/%d", c.TenantID, c.Name, c.UpdatedAt.UnixNano())
}
