package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edukite/keystone/pkg/rolemap"
)

func newStorageWithMock(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(db), mock
}

func providerColumns() []string {
	return []string{
		"id", "tenant_id", "name", "protocol", "enabled", "jit_enabled", "require_approval",
		"session_ttl_seconds", "clock_skew_seconds", "saml_config", "oidc_config", "role_mapping",
		"created_at", "updated_at",
	}
}

func TestStorageCreateProvider(t *testing.T) {
	storage, mock := newStorageWithMock(t)

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO sso_providers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	cfg := &ProviderConfig{
		TenantID: "acme",
		Name:     "corp-idp",
		Protocol: ProtocolSAML,
		Enabled:  true,
		SAML: &SAMLConfig{
			IdPEntityID: "https://idp.example.com",
			SSOURL:      "https://idp.example.com/sso",
			SPEntityID:  "https://keystone.example.com",
			ACSURL:      "https://keystone.example.com/saml/acs",
		},
	}
	require.NoError(t, storage.CreateProvider(context.Background(), cfg))
	assert.Equal(t, int64(7), cfg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageGetProvider(t *testing.T) {
	storage, mock := newStorageWithMock(t)

	samlJSON := []byte(`{"idp_entity_id":"https://idp.example.com","sso_url":"https://idp.example.com/sso","sp_entity_id":"https://keystone.example.com","acs_url":"https://keystone.example.com/saml/acs"}`)
	mappingJSON := []byte(`{"explicit":{"Domain Admins":["admin"]},"default_role":"staff","require_default":true}`)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM sso_providers`).
		WithArgs("acme", "corp-idp").
		WillReturnRows(sqlmock.NewRows(providerColumns()).AddRow(
			int64(7), "acme", "corp-idp", "saml", true, true, false,
			0, 0, samlJSON, nil, mappingJSON, now, now,
		))

	cfg, err := storage.GetProvider(context.Background(), "acme", "corp-idp")
	require.NoError(t, err)

	assert.Equal(t, ProtocolSAML, cfg.Protocol)
	assert.True(t, cfg.JITEnabled)
	require.NotNil(t, cfg.SAML)
	assert.Equal(t, "https://idp.example.com", cfg.SAML.IdPEntityID)
	assert.Nil(t, cfg.OIDC)
	require.NotNil(t, cfg.RoleMapping)
	assert.Equal(t, []string{"admin"}, cfg.RoleMapping.Explicit["Domain Admins"])
}

func TestStorageGetProviderNotFound(t *testing.T) {
	storage, mock := newStorageWithMock(t)
	mock.ExpectQuery(`SELECT .+ FROM sso_providers`).WillReturnError(sql.ErrNoRows)

	_, err := storage.GetProvider(context.Background(), "acme", "missing")
	tagged, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProviderNotFound, tagged.Code)
}

func TestStorageUpdateProviderNotFound(t *testing.T) {
	storage, mock := newStorageWithMock(t)
	mock.ExpectExec(`UPDATE sso_providers`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := storage.UpdateProvider(context.Background(), &ProviderConfig{ID: 99})
	tagged, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProviderNotFound, tagged.Code)
}

func TestProviderConfigDefaults(t *testing.T) {
	cfg := &ProviderConfig{}
	assert.Equal(t, 8*time.Hour, cfg.SessionTTL(8*time.Hour))
	assert.Equal(t, 30*time.Second, cfg.ClockSkew(30*time.Second))
	assert.Equal(t, rolemap.DefaultPolicy(), cfg.Policy())

	cfg.SessionTTLSeconds = 3600
	cfg.ClockSkewSeconds = 120
	assert.Equal(t, time.Hour, cfg.SessionTTL(8*time.Hour))
	assert.Equal(t, 2*time.Minute, cfg.ClockSkew(30*time.Second))
}
