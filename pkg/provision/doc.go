// Package provision implements just-in-time user provisioning: after
// a successful SSO validation, the coordinator decides whether to
// create the user, refresh an existing one, or park the attempt behind
// an approval workflow. User and approval collaborators are remote
// services reached over HTTP.
package provision
