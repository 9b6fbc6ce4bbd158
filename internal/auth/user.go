package auth

import (
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// User is a persisted identity with password credentials. Mutations go
// through the owning Authenticator, which also serializes concurrent access.
type User struct {
	UserID       string          `json:"userID"`
	UserName     string          `json:"userName"`
	EMail        string          `json:"eMail"`
	Group        string          `json:"group"`
	PassHash     string          `json:"passHash"`
	Permissions  map[string]bool `json:"userPermissions"`
	UserData     map[string]any  `json:"userData"`
	LastActivity int64           `json:"lastActivity"`
	SteadyTokens []string        `json:"steadyTokens"`
}

// NewUser creates a user with a freshly hashed password.
func NewUser(userID, password string) (*User, error) {
	u := &User{
		UserID:      userID,
		UserName:    userID,
		Permissions: map[string]bool{},
		UserData:    map[string]any{},
	}
	if err := u.SetPassword(password); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) IdentityID() string { return u.UserID }

// IsAuthorizedTo implements Identity. Admins hold every permission except
// the service marker, which must be granted explicitly.
func (u *User) IsAuthorizedTo(permission string) bool {
	if u.Permissions[PermIsAdmin] {
		return permission != PermService
	}
	for held, allowed := range u.Permissions {
		if allowed && matchPermission(held, permission) {
			return true
		}
	}
	return false
}

// MultipleSessionsAllowed implements Identity. Service accounts are limited
// to a single session.
func (u *User) MultipleSessionsAllowed() bool {
	return !u.Permissions[PermService]
}

func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return err
	}
	u.PassHash = string(hash)
	return nil
}

func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PassHash), []byte(password)) == nil
}

func (u *User) SetPermission(permission string, allowed bool) {
	if u.Permissions == nil {
		u.Permissions = map[string]bool{}
	}
	u.Permissions[permission] = allowed
}

func (u *User) AddSteadyToken(token string) {
	for _, t := range u.SteadyTokens {
		if t == token {
			return
		}
	}
	u.SteadyTokens = append(u.SteadyTokens, token)
}

func (u *User) RemoveSteadyToken(token string) {
	for i, t := range u.SteadyTokens {
		if t == token {
			u.SteadyTokens = append(u.SteadyTokens[:i], u.SteadyTokens[i+1:]...)
			return
		}
	}
}

// PublicData returns the user representation sent to clients. The password
// hash stays server side.
func (u *User) PublicData() map[string]any {
	return map[string]any{
		"userID":          u.UserID,
		"name":            u.UserName,
		"email":           u.EMail,
		"group":           u.Group,
		"userPermissions": u.Permissions,
		"userData":        u.UserData,
		"lastActivity":    u.LastActivity,
	}
}
