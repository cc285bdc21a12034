package rolemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapRolesDefaultPolicy(t *testing.T) {
	tests := []struct {
		name      string
		groups    []string
		wantRoles []string
	}{
		{
			name:      "explicit mapping plus required default",
			groups:    []string{"IT Support", "Unknown Group"},
			wantRoles: []string{"staff", "support"},
		},
		{
			name:      "hierarchy expands admin",
			groups:    []string{"Domain Admins"},
			wantRoles: []string{"admin", "staff", "support"},
		},
		{
			name:      "keyword heuristic for admin-ish group",
			groups:    []string{"Platform Administrators"},
			wantRoles: []string{"admin", "staff", "support"},
		},
		{
			name:      "unmatched groups get the default role",
			groups:    []string{"Finance", "Marketing"},
			wantRoles: []string{"staff"},
		},
		{
			name:      "no groups at all",
			groups:    nil,
			wantRoles: []string{"staff"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roles, _ := MapRoles(tt.groups, DefaultPolicy())
			assert.Equal(t, tt.wantRoles, roles)
		})
	}
}

func TestMapRolesIsOrderIndependent(t *testing.T) {
	policy := DefaultPolicy()
	a, provA := MapRoles([]string{"IT Support", "Domain Admins", "Misc"}, policy)
	b, provB := MapRoles([]string{"Misc", "Domain Admins", "IT Support"}, policy)
	assert.Equal(t, a, b)
	assert.Equal(t, provA, provB)
}

func TestMapRolesPatterns(t *testing.T) {
	policy := &Policy{
		Patterns: []PatternRule{
			{Pattern: "eng-*", Roles: []string{"developer"}},
			{Pattern: "regex:^sec(urity)?-.+$", Roles: []string{"auditor"}},
			{Pattern: "ops-??", Roles: []string{"operator"}},
		},
		DefaultRole:    "staff",
		RequireDefault: true,
	}

	tests := []struct {
		name      string
		groups    []string
		wantRoles []string
	}{
		{"glob star case-insensitive", []string{"Eng-Backend"}, []string{"developer", "staff"}},
		{"regex prefix", []string{"sec-incident"}, []string{"auditor", "staff"}},
		{"question mark is single char", []string{"ops-eu"}, []string{"operator", "staff"}},
		{"question mark rejects longer run", []string{"ops-emea"}, []string{"staff"}},
		{"first matching rule wins per group", []string{"eng-ops-xy"}, []string{"developer", "staff"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roles, _ := MapRoles(tt.groups, policy)
			assert.Equal(t, tt.wantRoles, roles)
		})
	}
}

func TestMapRolesProvenance(t *testing.T) {
	policy := &Policy{
		Explicit: map[string][]string{"Core Team": {"developer"}},
		Patterns: []PatternRule{{Pattern: "*team*", Roles: []string{"developer", "reviewer"}}},
		DefaultRole:    "staff",
		RequireDefault: true,
	}

	roles, prov := MapRoles([]string{"A Team", "Core Team"}, policy)
	assert.Equal(t, []string{"developer", "reviewer", "staff"}, roles)
	// Explicit provenance wins over the pattern rule that also matched.
	assert.Equal(t, "explicit:Core Team", prov["developer"])
	assert.Equal(t, "pattern:*team*", prov["reviewer"])
	assert.Equal(t, "default", prov["staff"])
}

func TestMapRolesHierarchyChain(t *testing.T) {
	policy := &Policy{
		Explicit: map[string][]string{"Root": {"admin"}},
		Hierarchy: map[string][]string{
			"admin": {"staff"},
			"staff": {"intern"},
		},
	}

	roles, prov := MapRoles([]string{"Root"}, policy)
	assert.Equal(t, []string{"admin", "intern", "staff"}, roles)
	assert.Equal(t, "hierarchy:admin", prov["staff"])
	assert.Equal(t, "hierarchy:staff", prov["intern"])
}

func TestMapRolesRestrictions(t *testing.T) {
	base := func() *Policy {
		return &Policy{
			Explicit: map[string][]string{
				"G1": {"admin"},
				"G2": {"developer"},
				"G3": {"viewer"},
			},
		}
	}

	t.Run("max roles keeps highest priority", func(t *testing.T) {
		policy := base()
		policy.Restrictions = &Restrictions{
			MaxRoles: 2,
			Priority: []string{"admin", "developer", "viewer"},
		}
		roles, _ := MapRoles([]string{"G1", "G2", "G3"}, policy)
		assert.Equal(t, []string{"admin", "developer"}, roles)
	})

	t.Run("forbidden pair keeps first role", func(t *testing.T) {
		policy := base()
		policy.Restrictions = &Restrictions{
			ForbiddenPairs: [][]string{{"admin", "viewer"}},
		}
		roles, _ := MapRoles([]string{"G1", "G3"}, policy)
		assert.Equal(t, []string{"admin"}, roles)
	})

	t.Run("always required re-added after pruning", func(t *testing.T) {
		policy := base()
		policy.Restrictions = &Restrictions{
			MaxRoles:       1,
			Priority:       []string{"admin"},
			AlwaysRequired: []string{"viewer"},
		}
		roles, prov := MapRoles([]string{"G1", "G2", "G3"}, policy)
		assert.Equal(t, []string{"admin", "viewer"}, roles)
		assert.Equal(t, "explicit:G3", prov["viewer"])
	})
}

func TestMapRolesNilPolicyUsesDefault(t *testing.T) {
	roles, _ := MapRoles([]string{"IT Support"}, nil)
	assert.Equal(t, []string{"staff", "support"}, roles)
}
