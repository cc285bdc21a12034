package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAttributes(t *testing.T) {
	tests := []struct {
		name        string
		subject     string
		attrs       map[string][]string
		wantEmail   string
		wantDisplay string
		wantGroups  []string
	}{
		{
			name:    "standard attribute names",
			subject: "user-123",
			attrs: map[string][]string{
				"email":       {"alice@example.com"},
				"displayName": {"Alice Smith"},
				"groups":      {"Engineering", "IT Support"},
			},
			wantEmail:   "alice@example.com",
			wantDisplay: "Alice Smith",
			wantGroups:  []string{"Engineering", "IT Support"},
		},
		{
			name:    "urn and claim-uri aliases",
			subject: "user-456",
			attrs: map[string][]string{
				"urn:oid:0.9.2342.19200300.100.1.3":                                  {"bob@example.com"},
				"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname":    {"Bob"},
				"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname":      {"Jones"},
				"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups":     {"Domain Admins"},
			},
			wantEmail:   "bob@example.com",
			wantDisplay: "Bob Jones",
			wantGroups:  []string{"Domain Admins"},
		},
		{
			name:    "single comma-separated group value",
			subject: "user-789",
			attrs: map[string][]string{
				"mail":     {"carol@example.com"},
				"memberOf": {"staff, support ,admins"},
			},
			wantEmail:  "carol@example.com",
			wantGroups: []string{"staff", "support", "admins"},
		},
		{
			name:    "no recognized attributes",
			subject: "user-000",
			attrs: map[string][]string{
				"department": {"finance"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := FromAttributes(tt.subject, tt.attrs)
			require.NotNil(t, id)
			assert.Equal(t, tt.subject, id.Subject)
			assert.Equal(t, tt.wantEmail, id.Email)
			assert.Equal(t, tt.wantDisplay, id.DisplayName)
			assert.Equal(t, tt.wantGroups, id.Groups)
		})
	}
}

func TestFromAttributesAliasPriority(t *testing.T) {
	// "email" outranks "mail" regardless of map iteration order.
	id := FromAttributes("s", map[string][]string{
		"mail":  {"second@example.com"},
		"email": {"first@example.com"},
	})
	assert.Equal(t, "first@example.com", id.Email)
}

func TestFromClaims(t *testing.T) {
	claims := map[string]interface{}{
		"sub":         "oidc-user",
		"email":       "dana@example.com",
		"given_name":  "Dana",
		"family_name": "Lee",
		"groups":      []interface{}{"Engineering", "Platform"},
		"exp":         float64(1234567890),
	}

	id := FromClaims("oidc-user", claims)
	assert.Equal(t, "oidc-user", id.Subject)
	assert.Equal(t, "dana@example.com", id.Email)
	assert.Equal(t, "Dana Lee", id.DisplayName)
	assert.Equal(t, []string{"Engineering", "Platform"}, id.Groups)
	// Only string claims survive into the raw attribute map.
	assert.NotContains(t, id.Attributes, "exp")
	assert.Equal(t, "dana@example.com", id.Attributes["email"])
}

func TestGroupsFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		want   []string
	}{
		{
			name:   "groups claim as list",
			claims: map[string]interface{}{"groups": []interface{}{"a", "b"}},
			want:   []string{"a", "b"},
		},
		{
			name:   "roles fallback when groups absent",
			claims: map[string]interface{}{"roles": []string{"viewer"}},
			want:   []string{"viewer"},
		},
		{
			name:   "comma separated string",
			claims: map[string]interface{}{"authorities": "one,two"},
			want:   []string{"one", "two"},
		},
		{
			name:   "groups outranks roles",
			claims: map[string]interface{}{"roles": []string{"r"}, "groups": []string{"g"}},
			want:   []string{"g"},
		},
		{
			name:   "empty groups falls through to roles",
			claims: map[string]interface{}{"groups": []interface{}{}, "roles": "r1"},
			want:   []string{"r1"},
		},
		{
			name:   "nothing recognized",
			claims: map[string]interface{}{"scope": "openid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupsFromClaims(tt.claims))
		})
	}
}

func TestSortedGroups(t *testing.T) {
	id := &CanonicalIdentity{Groups: []string{"zeta", "alpha", "zeta", "mid"}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, id.SortedGroups())
}
