// Package rolemap maps identity-provider group names to application
// roles using a tenant-supplied policy document.
//
// Mapping is a pure function: identical (groups, policy) input yields
// identical (roles, provenance) output regardless of input ordering.
// Resolution runs in stages — explicit lookups, pattern rules, a
// keyword heuristic fallback, mandatory default inclusion, hierarchy
// expansion, and finally restrictions (role cap, forbidden pairs,
// always-required roles).
package rolemap
