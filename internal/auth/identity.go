// Package auth holds identities, the user database and the session token
// service. Every logged in client owns a session token; resources ask this
// package who is behind a token and what they may do.
package auth

import "github.com/IGLOU-EU/go-wildcard/v2"

// Permission names. They are stored as keys in a user's permission map.
const (
	PermAddUsers      = "addUsers"
	PermDeleteUsers   = "deleteUsers"
	PermIsAdmin       = "isAdmin"
	PermService       = "service"
	PermMonitorUsers  = "monitorUsers"
	PermManageDevices = "manageDevices"
)

// Identity is anything that can hold a session: users, services and device
// controllers.
type Identity interface {
	// IdentityID returns a stable unique id. It never changes and keys all
	// persisted identity data.
	IdentityID() string

	// IsAuthorizedTo reports whether the identity holds the permission.
	IsAuthorizedTo(permission string) bool

	// MultipleSessionsAllowed reports whether more than one concurrent
	// session may exist for this identity.
	MultipleSessionsAllowed() bool
}

// matchPermission matches a held permission key against a requested
// permission. Keys may contain wildcards so a single grant can cover a whole
// namespace, e.g. "devices/*".
func matchPermission(held, requested string) bool {
	return wildcard.Match(held, requested)
}
