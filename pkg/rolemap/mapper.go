package rolemap

import (
	"regexp"
	"sort"
	"strings"
)

// PatternRule maps groups matching a pattern to one or more roles.
// The pattern is a case-insensitive glob ('*' matches any run of
// characters, '?' a single character) unless prefixed with "regex:",
// in which case the remainder is a case-insensitive regular expression.
type PatternRule struct {
	Pattern string   `json:"pattern"`
	Roles   []string `json:"roles"`
}

// Restrictions optionally caps and prunes the resolved role set.
type Restrictions struct {
	// MaxRoles caps the role count; the highest-priority roles per
	// Priority are kept. Zero means no cap.
	MaxRoles int `json:"max_roles,omitempty"`

	// Priority orders roles for the cap; roles not listed rank below
	// all listed roles.
	Priority []string `json:"priority,omitempty"`

	// ForbiddenPairs lists role combinations that may not coexist.
	// The first role of a pair is retained, the rest dropped.
	ForbiddenPairs [][]string `json:"forbidden_pairs,omitempty"`

	// AlwaysRequired roles are re-added after pruning.
	AlwaysRequired []string `json:"always_required,omitempty"`
}

// Policy is the tenant-configurable group-to-role mapping document.
type Policy struct {
	// Explicit maps exact group names to role lists.
	Explicit map[string][]string `json:"explicit,omitempty"`

	// Patterns is an ordered list of pattern rules.
	Patterns []PatternRule `json:"patterns,omitempty"`

	// AdminKeywords / SupportKeywords drive the heuristic fallback:
	// substring matches against group names when no explicit or
	// pattern rule fired.
	AdminKeywords   []string `json:"admin_keywords,omitempty"`
	SupportKeywords []string `json:"support_keywords,omitempty"`

	// AdminRole / SupportRole are the roles the heuristic assigns.
	// Empty values fall back to "admin" and "support".
	AdminRole   string `json:"admin_role,omitempty"`
	SupportRole string `json:"support_role,omitempty"`

	// DefaultRole is the fallback role, and — when RequireDefault is
	// set — is always included in the result.
	DefaultRole    string `json:"default_role,omitempty"`
	RequireDefault bool   `json:"require_default"`

	// Hierarchy maps a role to the roles it implies.
	Hierarchy map[string][]string `json:"hierarchy,omitempty"`

	Restrictions *Restrictions `json:"restrictions,omitempty"`
}

// DefaultPolicy returns the stock policy applied when a tenant has not
// configured one.
func DefaultPolicy() *Policy {
	return &Policy{
		Explicit: map[string][]string{
			"Domain Admins": {"admin"},
			"IT Support":    {"support"},
		},
		AdminKeywords:   []string{"admin", "administrator"},
		SupportKeywords: []string{"support", "helpdesk"},
		DefaultRole:     "staff",
		RequireDefault:  true,
		Hierarchy: map[string][]string{
			"admin": {"staff", "support"},
		},
	}
}

// MapRoles resolves the roles for a set of IdP groups under a policy.
// The returned provenance records, per role, the rule that first
// produced it. Input group order never affects the result.
func MapRoles(groups []string, policy *Policy) ([]string, map[string]string) {
	if policy == nil {
		policy = DefaultPolicy()
	}

	sorted := uniqueSorted(groups)
	assigned := make(map[string]bool)
	provenance := make(map[string]string)

	add := func(role, source string) {
		if role == "" || assigned[role] {
			return
		}
		assigned[role] = true
		provenance[role] = source
	}

	// Stage 1: explicit lookups. These run for every group before any
	// pattern so explicit provenance always wins over pattern
	// provenance for the same role.
	for _, group := range sorted {
		for _, role := range policy.Explicit[group] {
			add(role, "explicit:"+group)
		}
	}

	// Stage 2: ordered pattern rules. A group matches at most one rule.
	for _, group := range sorted {
		if _, ok := policy.Explicit[group]; ok {
			continue
		}
		for _, rule := range policy.Patterns {
			re, err := compilePattern(rule.Pattern)
			if err != nil {
				continue
			}
			if re.MatchString(group) {
				for _, role := range rule.Roles {
					add(role, "pattern:"+rule.Pattern)
				}
				break
			}
		}
	}

	// Stage 3: keyword heuristic, only when nothing matched above.
	if len(assigned) == 0 {
		adminRole := policy.AdminRole
		if adminRole == "" {
			adminRole = "admin"
		}
		supportRole := policy.SupportRole
		if supportRole == "" {
			supportRole = "support"
		}
		for _, group := range sorted {
			lower := strings.ToLower(group)
			if containsAny(lower, policy.AdminKeywords) {
				add(adminRole, "keyword:admin")
			} else if containsAny(lower, policy.SupportKeywords) {
				add(supportRole, "keyword:support")
			}
		}
		if len(assigned) == 0 {
			add(policy.DefaultRole, "default")
		}
	}

	// Stage 4: mandatory default inclusion.
	if policy.RequireDefault {
		add(policy.DefaultRole, "default")
	}

	// Stage 5: hierarchy expansion to a fixpoint, so chains like
	// admin -> staff -> intern resolve fully.
	queue := make([]string, 0, len(assigned))
	for role := range assigned {
		queue = append(queue, role)
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		for _, implied := range policy.Hierarchy[role] {
			if !assigned[implied] {
				add(implied, "hierarchy:"+role)
				queue = append(queue, implied)
			}
		}
	}

	roles := applyRestrictions(assigned, provenance, policy)

	out := make(map[string]string, len(roles))
	for _, role := range roles {
		out[role] = provenance[role]
	}
	return roles, out
}

// applyRestrictions enforces the cap, forbidden pairs, and required
// roles, then emits the final ordered set.
func applyRestrictions(assigned map[string]bool, provenance map[string]string, policy *Policy) []string {
	r := policy.Restrictions
	var priority []string
	if r != nil {
		priority = r.Priority
	}

	roles := make([]string, 0, len(assigned))
	for role := range assigned {
		roles = append(roles, role)
	}
	sortRoles(roles, priority)

	if r == nil {
		return roles
	}

	if r.MaxRoles > 0 && len(roles) > r.MaxRoles {
		roles = roles[:r.MaxRoles]
	}

	for _, pair := range r.ForbiddenPairs {
		if len(pair) < 2 {
			continue
		}
		keep := pair[0]
		if !contains(roles, keep) {
			continue
		}
		for _, drop := range pair[1:] {
			roles = remove(roles, drop)
		}
	}

	for _, required := range r.AlwaysRequired {
		if required != "" && !contains(roles, required) {
			roles = append(roles, required)
			if _, ok := provenance[required]; !ok {
				provenance[required] = "required"
			}
		}
	}

	sortRoles(roles, priority)
	return roles
}

// sortRoles orders priority-listed roles first (in priority order),
// then the rest alphabetically.
func sortRoles(roles []string, priority []string) {
	rank := make(map[string]int, len(priority))
	for i, role := range priority {
		rank[role] = i
	}
	sort.SliceStable(roles, func(i, j int) bool {
		ri, iOK := rank[roles[i]]
		rj, jOK := rank[roles[j]]
		switch {
		case iOK && jOK:
			return ri < rj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return roles[i] < roles[j]
		}
	})
}

// compilePattern translates a glob or regex: pattern into a
// case-insensitive regular expression.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if rest, ok := strings.CutPrefix(pattern, "regex:"); ok {
		return regexp.Compile("(?i)" + rest)
	}
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

func remove(values []string, v string) []string {
	out := values[:0]
	for _, item := range values {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
