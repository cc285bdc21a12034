package sso

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/edukite/keystone/pkg/identity"
)

// metadataCacheTTL bounds how long discovery documents and JWKS sets
// are reused before a refetch.
const metadataCacheTTL = time.Hour

var defaultScopes = []string{"openid", "profile", "email"}

// OIDCProvider implements the OpenID Connect authorization code flow
// for one provider registration: code exchange, ID token verification
// against the provider JWKS, and userinfo enrichment.
//
// Discovery and JWKS responses are cached for an hour in atomic cells;
// concurrent refreshes are harmless and last-write-wins.
type OIDCProvider struct {
	config *ProviderConfig
	client *http.Client
	skew   time.Duration
	now    func() time.Time

	discovery atomic.Value // *discoveryCache
	jwks      atomic.Value // *jwksCache
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

type discoveryCache struct {
	doc       *discoveryDocument
	expiresAt time.Time
}

type jwksCache struct {
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// NewOIDCProvider creates an OIDC provider from a registration. The
// http client bounds every outbound call to the IdP.
func NewOIDCProvider(config *ProviderConfig, client *http.Client, defaultSkew time.Duration) (*OIDCProvider, error) {
	if config.OIDC == nil {
		return nil, newError(CodeInvalidConfig, "OIDC config is required")
	}

	cfg := config.OIDC
	if cfg.ClientID == "" {
		return nil, newError(CodeInvalidConfig, "client_id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, newError(CodeInvalidConfig, "client_secret is required")
	}
	if cfg.IssuerURL == "" {
		return nil, newError(CodeInvalidConfig, "issuer_url is required")
	}
	if cfg.RedirectURL == "" {
		return nil, newError(CodeInvalidConfig, "redirect_url is required")
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &OIDCProvider{
		config: config,
		client: client,
		skew:   config.ClockSkew(defaultSkew),
		now:    time.Now,
	}, nil
}

func (p *OIDCProvider) scopes() []string {
	if len(p.config.OIDC.Scopes) > 0 {
		return p.config.OIDC.Scopes
	}
	return defaultScopes
}

// endpoints resolves the four OIDC endpoints. Manually configured
// endpoints take precedence; only missing ones come from discovery.
func (p *OIDCProvider) endpoints(ctx context.Context) (*discoveryDocument, error) {
	cfg := p.config.OIDC
	doc := &discoveryDocument{
		Issuer:                cfg.IssuerURL,
		AuthorizationEndpoint: cfg.AuthorizationEndpoint,
		TokenEndpoint:         cfg.TokenEndpoint,
		UserinfoEndpoint:      cfg.UserinfoEndpoint,
		JWKSURI:               cfg.JWKSURI,
	}

	if doc.AuthorizationEndpoint != "" && doc.TokenEndpoint != "" &&
		doc.UserinfoEndpoint != "" && doc.JWKSURI != "" {
		return doc, nil
	}

	discovered, err := p.fetchDiscovery(ctx)
	if err != nil {
		return nil, err
	}
	if doc.AuthorizationEndpoint == "" {
		doc.AuthorizationEndpoint = discovered.AuthorizationEndpoint
	}
	if doc.TokenEndpoint == "" {
		doc.TokenEndpoint = discovered.TokenEndpoint
	}
	if doc.UserinfoEndpoint == "" {
		doc.UserinfoEndpoint = discovered.UserinfoEndpoint
	}
	if doc.JWKSURI == "" {
		doc.JWKSURI = discovered.JWKSURI
	}
	return doc, nil
}

func (p *OIDCProvider) fetchDiscovery(ctx context.Context) (*discoveryDocument, error) {
	if cached, ok := p.discovery.Load().(*discoveryCache); ok && p.now().Before(cached.expiresAt) {
		return cached.doc, nil
	}

	wellKnown := strings.TrimSuffix(p.config.OIDC.IssuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery request returned status %d", resp.StatusCode)
	}

	doc := &discoveryDocument{}
	if err := json.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	p.discovery.Store(&discoveryCache{doc: doc, expiresAt: p.now().Add(metadataCacheTTL)})
	return doc, nil
}

func (p *OIDCProvider) oauthConfig(doc *discoveryDocument) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.OIDC.ClientID,
		ClientSecret: p.config.OIDC.ClientSecret,
		RedirectURL:  p.config.OIDC.RedirectURL,
		Scopes:       p.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
}

// BuildLoginURL builds the authorization redirect for the given state
// and nonce.
func (p *OIDCProvider) BuildLoginURL(ctx context.Context, state, nonce string) (string, error) {
	doc, err := p.endpoints(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve provider endpoints: %w", err)
	}

	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.oauthConfig(doc).AuthCodeURL(state, opts...), nil
}

// Exchange runs the callback half of the code flow: state comparison,
// code-for-token exchange, ID token verification, and userinfo
// enrichment. Unlike SAML, any cryptographic failure is fatal; there
// are no independent sub-verdicts in a bearer-token flow, so all three
// flags move together.
func (p *OIDCProvider) Exchange(ctx context.Context, code, state, expectedState, nonce string) *ValidationResult {
	result := &ValidationResult{}

	if expectedState == "" || state != expectedState {
		return result.fail(CodeInvalidState, "state parameter does not match the login request")
	}
	if code == "" {
		return result.fail(CodeTokenExchangeFailed, "missing authorization code")
	}

	doc, err := p.endpoints(ctx)
	if err != nil {
		result.Valid = false
		result.addError(wrapError(CodeTokenExchangeFailed, err, "failed to resolve provider endpoints: %v", err))
		return result
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := p.oauthConfig(doc).Exchange(ctx, code)
	if err != nil {
		// The oauth2 package rejects token responses without an
		// access token before returning; surface that as its own
		// code.
		if strings.Contains(err.Error(), "missing access_token") {
			return result.fail(CodeNoAccessToken, "token response contained no access token")
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return result.fail(CodeTokenExchangeFailed,
				"token endpoint rejected the code with status %d", retrieveErr.Response.StatusCode)
		}
		result.Valid = false
		result.addError(wrapError(CodeTokenExchangeFailed, err, "token exchange failed: %v", err))
		return result
	}
	if token.AccessToken == "" {
		return result.fail(CodeNoAccessToken, "token response contained no access token")
	}

	claims := map[string]interface{}{}
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idClaims, verr := p.verifyIDToken(ctx, doc, rawIDToken, nonce)
		if verr != nil {
			result.Valid = false
			result.addError(verr)
			return result
		}
		claims = idClaims
	}

	// Userinfo enrichment is best effort; a dead endpoint must not
	// fail an attempt that already carries a verified ID token.
	if doc.UserinfoEndpoint != "" {
		if info, err := p.fetchUserinfo(ctx, doc.UserinfoEndpoint, token.AccessToken); err == nil {
			mergeClaims(claims, info)
		}
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return result.fail(CodeMissingSubject, "no subject claim in ID token or userinfo response")
	}

	result.Identity = identity.FromClaims(subject, claims)
	if jti, ok := claims["jti"].(string); ok {
		result.Metadata.TokenID = jti
	}

	result.SignatureValid = true
	result.TimestampValid = true
	result.AudienceValid = true
	result.Valid = true
	return result
}

// verifyIDToken parses and verifies the ID token. RS256 tokens are
// checked against the provider JWKS by key ID; HS256 tokens against
// the client secret.
func (p *OIDCProvider) verifyIDToken(ctx context.Context, doc *discoveryDocument, rawIDToken, nonce string) (map[string]interface{}, *Error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithAudience(p.config.OIDC.ClientID),
		jwt.WithIssuer(doc.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.skew),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawIDToken, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.Alg() {
		case "HS256":
			return []byte(p.config.OIDC.ClientSecret), nil
		case "RS256":
			kid, _ := t.Header["kid"].(string)
			return p.signingKey(ctx, doc.JWKSURI, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	})
	if err != nil {
		return nil, wrapError(CodeTokenInvalid, err, "ID token verification failed: %v", err)
	}

	if nonce != "" {
		if got, _ := claims["nonce"].(string); got != nonce {
			return nil, newError(CodeTokenInvalid, "nonce claim does not match the login request")
		}
	}

	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, newError(CodeMissingSubject, "ID token has no sub claim")
	}

	return map[string]interface{}(claims), nil
}

// signingKey resolves an RSA public key from the provider JWKS. With
// an empty kid, a single-key set is used directly.
func (p *OIDCProvider) signingKey(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	keys, err := p.fetchJWKS(ctx, jwksURI)
	if err != nil {
		return nil, err
	}

	if kid == "" && len(keys) == 1 {
		for _, key := range keys {
			return key, nil
		}
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("no key %q in provider JWKS", kid)
}

func (p *OIDCProvider) fetchJWKS(ctx context.Context, jwksURI string) (map[string]*rsa.PublicKey, error) {
	if cached, ok := p.jwks.Load().(*jwksCache); ok && p.now().Before(cached.expiresAt) {
		return cached.keys, nil
	}
	if jwksURI == "" {
		return nil, fmt.Errorf("provider advertises no jwks_uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request returned status %d", resp.StatusCode)
	}

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWKS key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider JWKS contains no RSA keys")
	}

	p.jwks.Store(&jwksCache{keys: keys, expiresAt: p.now().Add(metadataCacheTTL)})
	return keys, nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (p *OIDCProvider) fetchUserinfo(ctx context.Context, endpoint, accessToken string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned status %d", resp.StatusCode)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return info, nil
}

// mergeClaims overlays userinfo claims onto ID token claims. The
// authoritative sub claim from the verified token is never replaced.
func mergeClaims(dst map[string]interface{}, src map[string]interface{}) {
	for k, v := range src {
		if k == "sub" {
			if _, exists := dst["sub"]; exists {
				continue
			}
		}
		dst[k] = v
	}
}
