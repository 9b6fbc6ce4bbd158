package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *DefaultAuthenticator {
	t.Helper()
	a, err := NewDefaultAuthenticator(filepath.Join(t.TempDir(), "users"))
	require.NoError(t, err)
	return a
}

func admin(t *testing.T, a *DefaultAuthenticator) *User {
	t.Helper()
	u := a.GetUser(defaultAdminID)
	require.NotNil(t, u)
	return u
}

func TestBootstrapAdmin(t *testing.T) {
	a := newTestAuthenticator(t)
	u := admin(t, a)
	assert.True(t, u.CheckPassword(defaultAdminPassword))
	assert.True(t, u.IsAuthorizedTo(PermAddUsers))
	assert.True(t, u.IsAuthorizedTo(PermManageDevices))
}

func TestAdminHoldsEverythingExceptService(t *testing.T) {
	u := &User{UserID: "root", Permissions: map[string]bool{PermIsAdmin: true}}
	assert.True(t, u.IsAuthorizedTo(PermDeleteUsers))
	assert.True(t, u.IsAuthorizedTo("anything/else"))
	assert.False(t, u.IsAuthorizedTo(PermService))
}

func TestWildcardPermission(t *testing.T) {
	u := &User{UserID: "ops", Permissions: map[string]bool{"devices/*": true}}
	assert.True(t, u.IsAuthorizedTo("devices/livingroom"))
	assert.False(t, u.IsAuthorizedTo("users/list"))
}

func TestAddUserPermissionsAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	a, err := NewDefaultAuthenticator(path)
	require.NoError(t, err)

	// unprivileged actor may not add users
	guest, err := NewUser("guest", "pw")
	require.NoError(t, err)
	_, code := a.AddUser(guest, "eve", "pw")
	assert.Equal(t, PermissionDenied, code)

	_, code = a.AddUser(admin(t, a), "alice", "secret")
	assert.Equal(t, NoError, code)
	_, code = a.AddUser(admin(t, a), "alice", "secret")
	assert.Equal(t, UserAlreadyExists, code)
	_, code = a.AddUser(admin(t, a), "", "secret")
	assert.Equal(t, InvalidData, code)

	reloaded, err := NewDefaultAuthenticator(path)
	require.NoError(t, err)
	alice := reloaded.GetUser("alice")
	require.NotNil(t, alice)
	assert.True(t, alice.CheckPassword("secret"))
}

func TestChangePassword(t *testing.T) {
	a := newTestAuthenticator(t)
	root := admin(t, a)
	_, code := a.AddUser(root, "bob", "old")
	require.Equal(t, NoError, code)
	bob := a.GetUser("bob")

	assert.Equal(t, IncorrectPassword, a.ChangePassword(bob, "wrong", "new", ""))
	assert.Equal(t, NoError, a.ChangePassword(bob, "old", "new", ""))
	assert.True(t, bob.CheckPassword("new"))

	// admins may reset other passwords without the old one
	assert.Equal(t, NoError, a.ChangePassword(root, "", "reset", "bob"))
	assert.True(t, bob.CheckPassword("reset"))

	// non-admins may not
	assert.Equal(t, PermissionDenied, a.ChangePassword(bob, "", "x", defaultAdminID))
	assert.Equal(t, InvalidData, a.ChangePassword(root, "", "", "bob"))
}

func TestDeleteUser(t *testing.T) {
	a := newTestAuthenticator(t)
	root := admin(t, a)
	_, code := a.AddUser(root, "carol", "pw")
	require.Equal(t, NoError, code)
	carol := a.GetUser("carol")

	var deleted []string
	a.OnUserDeleted(func(u *User) { deleted = append(deleted, u.UserID) })

	assert.Equal(t, IncorrectPassword, a.DeleteUser(carol, "nope", ""))
	assert.Equal(t, PermissionDenied, a.DeleteUser(carol, "", defaultAdminID))
	assert.Equal(t, NoError, a.DeleteUser(carol, "pw", ""))
	assert.Nil(t, a.GetUser("carol"))
	assert.Equal(t, []string{"carol"}, deleted)

	assert.Equal(t, UserNotExists, a.DeleteUser(root, "", "carol"))
}

func TestUserListenerRelease(t *testing.T) {
	a := newTestAuthenticator(t)
	root := admin(t, a)

	var added []string
	release := a.OnUserAdded(func(u *User) { added = append(added, u.UserID) })

	_, code := a.AddUser(root, "erin", "pw")
	require.Equal(t, NoError, code)
	assert.Equal(t, []string{"erin"}, added)

	release()
	_, code = a.AddUser(root, "frank", "pw")
	require.Equal(t, NoError, code)
	assert.Equal(t, []string{"erin"}, added)
}

func newTestService(t *testing.T, expiration time.Duration) (*Service, *DefaultAuthenticator) {
	t.Helper()
	a := newTestAuthenticator(t)
	s := NewService(expiration)
	s.RegisterAuthenticator(a)
	return s, a
}

func TestLoginLogout(t *testing.T) {
	s, _ := newTestService(t, time.Minute)

	_, code := s.Login("nobody", "pw")
	assert.Equal(t, UserNotExists, code)
	_, code = s.Login(defaultAdminID, "wrong")
	assert.Equal(t, IncorrectPassword, code)

	token, code := s.Login(defaultAdminID, defaultAdminPassword)
	require.Equal(t, NoError, code)
	require.NotEmpty(t, token)

	identity := s.ValidateToken(token)
	require.NotNil(t, identity)
	assert.Equal(t, defaultAdminID, identity.IdentityID())
	assert.Equal(t, 1, s.SessionCount(defaultAdminID))

	var closedTokens []string
	s.OnSessionClosed(func(_, tok string) { closedTokens = append(closedTokens, tok) })

	assert.True(t, s.Logout(token))
	assert.False(t, s.Logout(token))
	assert.Nil(t, s.ValidateToken(token))
	assert.Equal(t, []string{token}, closedTokens)
}

func TestServiceAccountSingleSession(t *testing.T) {
	s, a := newTestService(t, time.Minute)
	svcUser, code := a.AddUser(admin(t, a), "bridge", "pw")
	require.Equal(t, NoError, code)
	require.Equal(t, NoError, a.SetPermission(admin(t, a), "bridge", PermService, true))
	assert.False(t, svcUser.MultipleSessionsAllowed())

	_, code = s.Login("bridge", "pw")
	require.Equal(t, NoError, code)
	_, code = s.Login("bridge", "pw")
	assert.Equal(t, PermissionDenied, code)

	// regular users may hold several sessions
	_, code = s.Login(defaultAdminID, defaultAdminPassword)
	require.Equal(t, NoError, code)
	_, code = s.Login(defaultAdminID, defaultAdminPassword)
	assert.Equal(t, NoError, code)
}

func TestSlidingExpirationAndSweep(t *testing.T) {
	s, _ := newTestService(t, time.Minute)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	token, code := s.Login(defaultAdminID, defaultAdminPassword)
	require.Equal(t, NoError, code)

	expiry, ok := s.TokenExpiration(token)
	require.True(t, ok)
	assert.Equal(t, current.Add(time.Minute), expiry)

	// validation slides the deadline
	current = current.Add(30 * time.Second)
	require.NotNil(t, s.ValidateToken(token))
	expiry, _ = s.TokenExpiration(token)
	assert.Equal(t, current.Add(time.Minute), expiry)

	// past the deadline the sweeper closes the session
	current = current.Add(2 * time.Minute)
	var closed []string
	s.OnSessionClosed(func(id, _ string) { closed = append(closed, id) })
	s.sweepExpired()
	assert.Nil(t, s.ValidateToken(token))
	assert.Equal(t, []string{defaultAdminID}, closed)
}

func TestExpiredTokenRejectedBeforeSweep(t *testing.T) {
	s, _ := newTestService(t, time.Second)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	token, code := s.Login(defaultAdminID, defaultAdminPassword)
	require.Equal(t, NoError, code)

	var closed []string
	s.OnSessionClosed(func(_, tok string) { closed = append(closed, tok) })

	// the deadline passed but the sweeper has not run yet
	current = current.Add(2 * time.Second)
	assert.Nil(t, s.ValidateToken(token))
	assert.Equal(t, []string{token}, closed)
	assert.Equal(t, 0, s.SessionCount(defaultAdminID))

	// the stale token must not have been revived
	_, ok := s.TokenExpiration(token)
	assert.False(t, ok)
}

func TestSteadyTokensSurviveSweep(t *testing.T) {
	s, a := newTestService(t, time.Minute)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	u := admin(t, a)
	u.AddSteadyToken("steady-1")
	s.RestoreSteadyTokens([]*User{u})

	current = current.Add(time.Hour)
	s.sweepExpired()
	identity := s.ValidateToken("steady-1")
	require.NotNil(t, identity)
	assert.Equal(t, defaultAdminID, identity.IdentityID())

	// logout drops the steady token from the user as well
	assert.True(t, s.Logout("steady-1"))
	assert.Empty(t, u.SteadyTokens)
}

func TestLogoutIdentity(t *testing.T) {
	s, _ := newTestService(t, time.Minute)
	t1, _ := s.Login(defaultAdminID, defaultAdminPassword)
	t2, _ := s.Login(defaultAdminID, defaultAdminPassword)
	require.Equal(t, 2, s.SessionCount(defaultAdminID))

	s.LogoutIdentity(defaultAdminID)
	assert.Zero(t, s.SessionCount(defaultAdminID))
	assert.Nil(t, s.ValidateToken(t1))
	assert.Nil(t, s.ValidateToken(t2))
}
