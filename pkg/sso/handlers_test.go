package sso

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edukite/keystone/pkg/observability"
	"github.com/edukite/keystone/pkg/provision"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	service, _, _, _ := newTestService(t)
	return NewHandlers(service, observability.NewLogger(observability.ErrorLevel, io.Discard))
}

func newTestRouter(t *testing.T) (*mux.Router, *Handlers) {
	t.Helper()
	handlers := newTestHandlers(t)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router, handlers
}

func TestRelayEncoding(t *testing.T) {
	relay := encodeRelay("acme", "corp-idp", "return:to:here")
	tenantID, providerName, payload, ok := decodeRelay(relay)
	require.True(t, ok)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "corp-idp", providerName)
	// Only the first two separators are structural.
	assert.Equal(t, "return:to:here", payload)
}

func TestRelayDecodingMalformed(t *testing.T) {
	for _, relay := range []string{"", "acme", "acme:corp-idp", ":corp-idp:x", "acme::x"} {
		_, _, _, ok := decodeRelay(relay)
		assert.False(t, ok, "relay %q should not decode", relay)
	}
}

func TestSAMLACSRejectsMissingResponse(t *testing.T) {
	router, _ := newTestRouter(t)

	form := url.Values{"RelayState": {"acme:corp-idp:"}}
	req := httptest.NewRequest(http.MethodPost, "/saml/acs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SAMLResponse")
}

func TestSAMLACSRejectsMalformedRelayState(t *testing.T) {
	router, _ := newTestRouter(t)

	form := url.Values{"SAMLResponse": {"c29tZXRoaW5n"}, "RelayState": {"no-structure"}}
	req := httptest.NewRequest(http.MethodPost, "/saml/acs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOIDCCallbackRejectsProviderError(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"/oidc/callback?error=access_denied&error_description=user+cancelled", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestSupportTokenRejectsEmptyBody(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/jit/support-token", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteErrorStatusMapping(t *testing.T) {
	handlers := newTestHandlers(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"session not found", ErrSessionNotFound, http.StatusNotFound},
		{"session not active", ErrSessionNotActive, http.StatusGone},
		{"request not found", provision.ErrRequestNotFound, http.StatusNotFound},
		{"request expired", provision.ErrRequestExpired, http.StatusGone},
		{"provider not found", newError(CodeProviderNotFound, "nope"), http.StatusNotFound},
		{"provider disabled", newError(CodeProviderDisabled, "off"), http.StatusForbidden},
		{"bad signature", newError(CodeSignatureInvalid, "bad"), http.StatusUnauthorized},
		{"bad state", newError(CodeInvalidState, "bad"), http.StatusUnauthorized},
		{"in flight", newError(CodeProvisioningInFlight, "busy"), http.StatusConflict},
		{"missing email", newError(CodeMissingEmail, "none"), http.StatusUnprocessableEntity},
		{"user service down", newError(CodeUserServiceFailed, "down"), http.StatusBadGateway},
		{"config trouble", newError(CodeInvalidConfig, "broken"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			handlers.writeError(rec, req, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	handlers := newTestHandlers(t)

	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.GetRequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handlers.RequestIDMiddleware(inner).ServeHTTP(rec, req)

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))

	// A caller-supplied ID is preserved.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-from-gateway")
	handlers.RequestIDMiddleware(inner).ServeHTTP(rec, req)
	assert.Equal(t, "req-from-gateway", captured)
}
