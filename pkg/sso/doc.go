// Package sso implements the Service Provider / Relying Party side of
// enterprise single sign-on: SAML 2.0 response validation, OpenID
// Connect code exchange and ID-token verification, orchestration of
// group-to-role mapping and JIT provisioning, session issuance, and
// the HTTP surface tying it together.
//
// Each authentication attempt is an independent, stateless unit of
// work. Validators return a ValidationResult carrying the three
// cryptographic/temporal sub-verdicts alongside the overall result so
// the audit trail preserves diagnostic detail even for failures.
package sso
