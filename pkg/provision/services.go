package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edukite/keystone/pkg/identity"
)

// HTTPUserService talks to the remote user store over JSON/HTTP.
type HTTPUserService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUserService creates a client for the user service at baseURL.
func NewHTTPUserService(baseURL string, client *http.Client) *HTTPUserService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUserService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

type lookupRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
}

type lookupResponse struct {
	Exists bool   `json:"exists"`
	UserID string `json:"user_id,omitempty"`
}

// Lookup reports whether a user with this email exists in the tenant.
func (s *HTTPUserService) Lookup(ctx context.Context, tenantID, email string) (string, bool, error) {
	var resp lookupResponse
	err := s.post(ctx, "/internal/users/lookup", lookupRequest{TenantID: tenantID, Email: email}, &resp)
	if err != nil {
		return "", false, err
	}
	return resp.UserID, resp.Exists, nil
}

type createRequest struct {
	TenantID    string            `json:"tenant_id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name,omitempty"`
	Subject     string            `json:"subject"`
	Groups      []string          `json:"groups,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Roles       []string          `json:"roles"`
}

type createResponse struct {
	UserID string `json:"user_id"`
}

// Create provisions a new user from the canonical identity.
func (s *HTTPUserService) Create(ctx context.Context, tenantID string, id *identity.CanonicalIdentity, roles []string) (string, error) {
	req := createRequest{
		TenantID:    tenantID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Subject:     id.Subject,
		Groups:      id.Groups,
		Attributes:  id.Attributes,
		Roles:       roles,
	}
	var resp createResponse
	if err := s.post(ctx, "/internal/users", req, &resp); err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("user service returned no user ID")
	}
	return resp.UserID, nil
}

type updateRolesRequest struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// UpdateRoles replaces the user's role assignments.
func (s *HTTPUserService) UpdateRoles(ctx context.Context, tenantID, userID string, roles []string) error {
	return s.post(ctx, "/internal/users/"+userID+"/roles", updateRolesRequest{TenantID: tenantID, Roles: roles}, nil)
}

func (s *HTTPUserService) post(ctx context.Context, path string, body, out interface{}) error {
	return postJSON(ctx, s.client, s.baseURL+path, body, out)
}

// HTTPApprovalService files approval requests with the remote approval
// workflow over JSON/HTTP.
type HTTPApprovalService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPApprovalService creates a client for the approval service at
// baseURL.
func NewHTTPApprovalService(baseURL string, client *http.Client) *HTTPApprovalService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPApprovalService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Submit files the approval request for human review.
func (s *HTTPApprovalService) Submit(ctx context.Context, req *ApprovalRequest) error {
	return postJSON(ctx, s.client, s.baseURL+"/internal/approvals", req, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}
	return nil
}
