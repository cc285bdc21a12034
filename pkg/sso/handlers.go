package sso

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edukite/keystone/pkg/observability"
	"github.com/edukite/keystone/pkg/provision"
)

const (
	samlRequestCookie = "keystone_saml_req"
	oidcStateCookie   = "keystone_oidc_state"
	oidcNonceCookie   = "keystone_oidc_nonce"

	// loginCookieMaxAge bounds how long a login round-trip through
	// the IdP may take.
	loginCookieMaxAge = 600
)

// Handlers exposes the authentication core over HTTP.
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates the HTTP layer on the given service.
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes mounts all authentication routes on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/saml/metadata/{tenantId}/{providerName}", h.samlMetadata).Methods(http.MethodGet)
	router.HandleFunc("/saml/login/{tenantId}/{providerName}", h.samlLogin).Methods(http.MethodGet)
	router.HandleFunc("/saml/acs", h.samlACS).Methods(http.MethodPost)
	router.HandleFunc("/oidc/login/{tenantId}/{providerName}", h.oidcLogin).Methods(http.MethodGet)
	router.HandleFunc("/oidc/callback", h.oidcCallback).Methods(http.MethodGet)
	router.HandleFunc("/session/{sessionId}", h.getSession).Methods(http.MethodGet)
	router.HandleFunc("/session/{sessionId}/logout", h.logout).Methods(http.MethodPost)
	router.HandleFunc("/jit/support-token", h.supportToken).Methods(http.MethodPost)
}

// RequestIDMiddleware tags every request with an ID and a scoped
// logger.
func (h *Handlers) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)
		ctx = observability.WithLogger(ctx, h.logger.WithField("request_id", requestID))
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metadata, err := h.service.SAMLMetadata(r.Context(), vars["tenantId"], vars["providerName"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(metadata)
}

func (h *Handlers) samlLogin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, providerName := vars["tenantId"], vars["providerName"]

	relay := encodeRelay(tenantID, providerName, r.URL.Query().Get("relayState"))
	loginURL, requestID, err := h.service.BeginSAMLLogin(r.Context(), tenantID, providerName, relay)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setLoginCookie(w, samlRequestCookie, requestID)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handlers) samlACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("InvalidRequest", "failed to parse form"))
		return
	}

	rawResponse := r.FormValue("SAMLResponse")
	if rawResponse == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("InvalidRequest", "missing SAMLResponse parameter"))
		return
	}

	tenantID, providerName, _, ok := decodeRelay(r.FormValue("RelayState"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody("InvalidRequest", "missing or malformed RelayState"))
		return
	}

	// The request ID cookie is absent in IdP-initiated flows; the
	// InResponseTo check is skipped then.
	expectedRequestID := ""
	if cookie, err := r.Cookie(samlRequestCookie); err == nil {
		expectedRequestID = cookie.Value
	}
	clearLoginCookie(w, samlRequestCookie)

	outcome, err := h.service.AuthenticateSAML(r.Context(), tenantID, providerName, rawResponse, expectedRequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *Handlers) oidcLogin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, providerName := vars["tenantId"], vars["providerName"]

	opaque, err := randomToken()
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorBody("Internal", "failed to generate state"))
		return
	}
	nonce, err := randomToken()
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorBody("Internal", "failed to generate nonce"))
		return
	}

	state := encodeRelay(tenantID, providerName, opaque)
	loginURL, err := h.service.BeginOIDCLogin(r.Context(), tenantID, providerName, state, nonce)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setLoginCookie(w, oidcStateCookie, opaque)
	setLoginCookie(w, oidcNonceCookie, nonce)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		h.writeJSON(w, http.StatusUnauthorized, errorBody(string(CodeAuthFailed),
			fmt.Sprintf("provider returned error %q: %s", errCode, query.Get("error_description"))))
		return
	}

	tenantID, providerName, opaque, ok := decodeRelay(query.Get("state"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody(string(CodeInvalidState), "missing or malformed state"))
		return
	}

	expectedState := ""
	if cookie, err := r.Cookie(oidcStateCookie); err == nil {
		expectedState = cookie.Value
	}
	nonce := ""
	if cookie, err := r.Cookie(oidcNonceCookie); err == nil {
		nonce = cookie.Value
	}
	clearLoginCookie(w, oidcStateCookie)
	clearLoginCookie(w, oidcNonceCookie)

	outcome, err := h.service.AuthenticateOIDC(r.Context(),
		tenantID, providerName, query.Get("code"), opaque, expectedState, nonce)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), mux.Vars(r)["sessionId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handlers) supportToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApprovalRequestID string `json:"approval_request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ApprovalRequestID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("InvalidRequest", "approval_request_id is required"))
		return
	}

	token, err := h.service.IssueSupportToken(r.Context(), body.ApprovalRequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

func (h *Handlers) writeOutcome(w http.ResponseWriter, outcome *LoginOutcome) {
	if outcome.JITStatus == provision.StatusPending {
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":              "pending_approval",
			"approval_request_id": outcome.ApprovalRequestID,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "authenticated",
		"session": outcome.Session,
		"roles":   outcome.Roles,
	})
}

// writeError maps pipeline errors onto HTTP statuses without leaking
// internals.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.FromContext(r.Context()).WithError(err)

	switch {
	case errors.Is(err, ErrSessionNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("SessionNotFound", "session not found"))
		return
	case errors.Is(err, ErrSessionNotActive):
		h.writeJSON(w, http.StatusGone, errorBody("SessionNotActive", "session is no longer active"))
		return
	case errors.Is(err, provision.ErrRequestNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("RequestNotFound", "approval request not found"))
		return
	case errors.Is(err, provision.ErrRequestExpired):
		h.writeJSON(w, http.StatusGone, errorBody("RequestExpired", "approval request expired"))
		return
	}

	if tagged, ok := AsError(err); ok {
		status := http.StatusUnauthorized
		switch tagged.Code {
		case CodeProviderNotFound:
			status = http.StatusNotFound
		case CodeProviderDisabled:
			status = http.StatusForbidden
		case CodeInvalidConfig:
			status = http.StatusInternalServerError
		case CodeProvisioningInFlight:
			status = http.StatusConflict
		case CodeMissingEmail:
			status = http.StatusUnprocessableEntity
		case CodeUserServiceFailed, CodeApprovalServiceFailed:
			status = http.StatusBadGateway
		}
		if status >= 500 {
			logger.Error("authentication request failed")
		} else {
			logger.Warn("authentication request rejected")
		}
		h.writeJSON(w, status, errorBody(string(tagged.Code), tagged.Message))
		return
	}

	logger.Error("unhandled authentication error")
	h.writeJSON(w, http.StatusInternalServerError, errorBody("Internal", "internal error"))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("failed to encode response")
	}
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// encodeRelay packs tenant and provider into the opaque round-trip
// value so the shared callback endpoints can route the response.
func encodeRelay(tenantID, providerName, payload string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, providerName, payload)
}

func decodeRelay(relay string) (tenantID, providerName, payload string, ok bool) {
	parts := strings.SplitN(relay, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func setLoginCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   loginCookieMaxAge,
	})
}

func clearLoginCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
