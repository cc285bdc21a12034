package identity

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalIdentity is the normalized view of an authenticated subject,
// independent of the protocol that asserted it. It lives for the
// duration of a single authentication attempt.
type CanonicalIdentity struct {
	Subject     string            `json:"subject"`
	Email       string            `json:"email,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Alias lists per logical field, probed in order. First match wins.
var (
	emailAliases = []string{
		"email",
		"mail",
		"emailAddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	}
	displayNameAliases = []string{
		"displayName",
		"name",
		"cn",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
	}
	givenNameAliases = []string{
		"givenName",
		"given_name",
		"firstName",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
	}
	familyNameAliases = []string{
		"sn",
		"surname",
		"family_name",
		"lastName",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
	}
	groupAliases = []string{
		"groups",
		"roles",
		"authorities",
		"memberOf",
		"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
	}
)

// FromAttributes builds a canonical identity from a SAML attribute
// statement. Attribute values are multi-valued; single-valued fields
// take the first value.
func FromAttributes(subject string, attrs map[string][]string) *CanonicalIdentity {
	id := &CanonicalIdentity{
		Subject:    subject,
		Attributes: make(map[string]string, len(attrs)),
	}
	for name, values := range attrs {
		if len(values) > 0 {
			id.Attributes[name] = values[0]
		}
	}

	id.Email = firstAttribute(attrs, emailAliases)
	id.DisplayName = firstAttribute(attrs, displayNameAliases)
	if id.DisplayName == "" {
		given := firstAttribute(attrs, givenNameAliases)
		family := firstAttribute(attrs, familyNameAliases)
		id.DisplayName = joinName(given, family)
	}

	for _, alias := range groupAliases {
		if values, ok := attrs[alias]; ok && len(values) > 0 {
			// A single multi-member value may still be comma-separated.
			if len(values) == 1 {
				id.Groups = SplitGroups(values[0])
			} else {
				id.Groups = cleanGroups(values)
			}
			break
		}
	}

	return id
}

// FromClaims builds a canonical identity from an OIDC claim set.
func FromClaims(subject string, claims map[string]interface{}) *CanonicalIdentity {
	id := &CanonicalIdentity{
		Subject:    subject,
		Attributes: make(map[string]string, len(claims)),
	}
	for name, value := range claims {
		if s, ok := value.(string); ok {
			id.Attributes[name] = s
		}
	}

	id.Email = firstClaim(claims, emailAliases)
	id.DisplayName = firstClaim(claims, displayNameAliases)
	if id.DisplayName == "" {
		given := firstClaim(claims, givenNameAliases)
		family := firstClaim(claims, familyNameAliases)
		id.DisplayName = joinName(given, family)
	}
	id.Groups = GroupsFromClaims(claims)

	return id
}

// GroupsFromClaims probes the known group claim names in priority order
// and returns the first non-empty result.
func GroupsFromClaims(claims map[string]interface{}) []string {
	for _, alias := range groupAliases {
		value, ok := claims[alias]
		if !ok {
			continue
		}
		if groups := groupValues(value); len(groups) > 0 {
			return groups
		}
	}
	return nil
}

// SplitGroups parses a group value that may be a comma-separated list.
func SplitGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	return cleanGroups(strings.Split(raw, ","))
}

// SortedGroups returns the identity's groups sorted and de-duplicated.
// Downstream policy evaluation must not depend on IdP ordering.
func (id *CanonicalIdentity) SortedGroups() []string {
	seen := make(map[string]bool, len(id.Groups))
	out := make([]string, 0, len(id.Groups))
	for _, g := range id.Groups {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

func groupValues(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return cleanGroups(v)
	case []interface{}:
		groups := make([]string, 0, len(v))
		for _, item := range v {
			groups = append(groups, fmt.Sprintf("%v", item))
		}
		return cleanGroups(groups)
	case string:
		return SplitGroups(v)
	default:
		return nil
	}
}

func cleanGroups(values []string) []string {
	groups := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			groups = append(groups, trimmed)
		}
	}
	return groups
}

func firstAttribute(attrs map[string][]string, aliases []string) string {
	for _, alias := range aliases {
		if values, ok := attrs[alias]; ok && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}

func firstClaim(claims map[string]interface{}, aliases []string) string {
	for _, alias := range aliases {
		if value, ok := claims[alias]; ok {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func joinName(given, family string) string {
	switch {
	case given != "" && family != "":
		return given + " " + family
	case given != "":
		return given
	default:
		return family
	}
}
