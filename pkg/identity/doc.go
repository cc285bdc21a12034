// Package identity normalizes identity-provider assertions and claim
// sets into a single canonical record used by the rest of the
// authentication pipeline.
//
// Identity providers disagree on attribute naming: the same logical
// field arrives as "email", "mail", or a full SAML attribute URN
// depending on the vendor. Rather than requiring per-provider mapping
// configuration, normalization probes an ordered list of known aliases
// per field and takes the first match.
package identity
