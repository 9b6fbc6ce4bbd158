package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/storage"
)

// Authenticator resolves user ids to user objects. Additional authenticators
// can be registered with the Service to back identities by other stores.
type Authenticator interface {
	GetUser(userID string) *User
}

const (
	defaultAdminID       = "admin"
	defaultAdminPassword = "password"
	saveInterval         = 5 * time.Minute
)

type userDocument struct {
	Users []*User `json:"users"`
}

// DefaultAuthenticator is the file backed user database. The whole user set
// is kept in memory and persisted as one JSON document.
type DefaultAuthenticator struct {
	path string
	log  zerolog.Logger

	mu         sync.RWMutex
	users      map[string]*User
	order      []string
	lastSave   time.Time
	listenerID int
	onAdded    map[int]func(*User)
	onDeleted  map[int]func(*User)
}

// NewDefaultAuthenticator loads the user document at path. An empty database
// is bootstrapped with a default admin account.
func NewDefaultAuthenticator(path string) (*DefaultAuthenticator, error) {
	a := &DefaultAuthenticator{
		path:      path,
		log:       logging.Component("auth"),
		users:     map[string]*User{},
		onAdded:   map[int]func(*User){},
		onDeleted: map[int]func(*User){},
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	if len(a.users) == 0 {
		admin, err := NewUser(defaultAdminID, defaultAdminPassword)
		if err != nil {
			return nil, err
		}
		admin.SetPermission(PermAddUsers, true)
		admin.SetPermission(PermDeleteUsers, true)
		admin.SetPermission(PermIsAdmin, true)
		admin.SetPermission(PermMonitorUsers, true)
		admin.SetPermission(PermManageDevices, true)
		a.users[admin.UserID] = admin
		a.order = append(a.order, admin.UserID)
		if err := a.save(); err != nil {
			return nil, err
		}
		a.log.Warn().Msg("No users found, created default admin account")
	}
	return a, nil
}

func (a *DefaultAuthenticator) load() error {
	raw, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc userDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	a.users = map[string]*User{}
	a.order = nil
	for _, u := range doc.Users {
		if u.Permissions == nil {
			u.Permissions = map[string]bool{}
		}
		a.users[u.UserID] = u
		a.order = append(a.order, u.UserID)
	}
	return nil
}

// save writes the document. Callers hold at least the read lock.
func (a *DefaultAuthenticator) save() error {
	doc := userDocument{}
	for _, id := range a.order {
		doc.Users = append(doc.Users, a.users[id])
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	a.lastSave = time.Now()
	return storage.WriteFileAtomic(a.path, raw)
}

// GetUser implements Authenticator.
func (a *DefaultAuthenticator) GetUser(userID string) *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.users[userID]
}

// OnUserAdded registers a listener invoked after a user was created. The
// returned function removes the listener again.
func (a *DefaultAuthenticator) OnUserAdded(fn func(*User)) func() {
	a.mu.Lock()
	a.listenerID++
	id := a.listenerID
	a.onAdded[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.onAdded, id)
		a.mu.Unlock()
	}
}

// OnUserDeleted registers a listener invoked after a user was removed. The
// returned function removes the listener again.
func (a *DefaultAuthenticator) OnUserDeleted(fn func(*User)) func() {
	a.mu.Lock()
	a.listenerID++
	id := a.listenerID
	a.onDeleted[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.onDeleted, id)
		a.mu.Unlock()
	}
}

// AddUser creates a new account. The actor needs the addUsers permission;
// a nil actor stands for internal calls and bypasses the check.
func (a *DefaultAuthenticator) AddUser(actor Identity, userID, password string) (*User, Code) {
	if actor != nil && !actor.IsAuthorizedTo(PermAddUsers) {
		return nil, PermissionDenied
	}
	if userID == "" || password == "" {
		return nil, InvalidData
	}

	a.mu.Lock()
	if _, exists := a.users[userID]; exists {
		a.mu.Unlock()
		return nil, UserAlreadyExists
	}
	user, err := NewUser(userID, password)
	if err != nil {
		a.mu.Unlock()
		a.log.Error().Err(err).Msg("Failed to hash password")
		return nil, InvalidData
	}
	a.users[userID] = user
	a.order = append(a.order, userID)
	if err := a.save(); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist user database")
	}
	listeners := make([]func(*User), 0, len(a.onAdded))
	for _, fn := range a.onAdded {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	a.log.Info().Str("user", userID).Msg("User added")
	for _, fn := range listeners {
		fn(user)
	}
	return user, NoError
}

// Users lists all accounts. The actor needs monitorUsers; a nil actor stands
// for internal calls.
func (a *DefaultAuthenticator) Users(actor Identity) ([]*User, Code) {
	if actor != nil && !actor.IsAuthorizedTo(PermMonitorUsers) {
		return nil, PermissionDenied
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	users := make([]*User, 0, len(a.order))
	for _, id := range a.order {
		users = append(users, a.users[id])
	}
	return users, NoError
}

// SetPermission toggles a permission on a user. Admin only.
func (a *DefaultAuthenticator) SetPermission(actor Identity, userID, permission string, allowed bool) Code {
	if actor == nil || !actor.IsAuthorizedTo(PermIsAdmin) {
		return PermissionDenied
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[userID]
	if !ok {
		return InvalidData
	}
	user.SetPermission(permission, allowed)
	if err := a.save(); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist user database")
	}
	return NoError
}

// ChangePassword changes the actor's own password (after verifying the old
// one) or, for admins, any user's password.
func (a *DefaultAuthenticator) ChangePassword(actor Identity, oldPassword, newPassword, userID string) Code {
	if actor == nil {
		return PermissionDenied
	}
	if newPassword == "" {
		return InvalidData
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var target *User
	if userID != "" && userID != actor.IdentityID() {
		if !actor.IsAuthorizedTo(PermIsAdmin) {
			return PermissionDenied
		}
		target = a.users[userID]
		if target == nil {
			return UserNotExists
		}
	} else {
		target = a.users[actor.IdentityID()]
		if target == nil {
			return InvalidData
		}
		if !target.CheckPassword(oldPassword) {
			return IncorrectPassword
		}
	}

	if err := target.SetPassword(newPassword); err != nil {
		a.log.Error().Err(err).Msg("Failed to hash password")
		return InvalidData
	}
	if err := a.save(); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist user database")
	}
	return NoError
}

// DeleteUser removes an account. Users delete themselves with their
// password; deleting others needs the deleteUsers permission.
func (a *DefaultAuthenticator) DeleteUser(actor Identity, password, userID string) Code {
	if actor == nil {
		return PermissionDenied
	}

	a.mu.Lock()
	var target *User
	self := userID == "" || userID == actor.IdentityID()
	if self {
		target = a.users[actor.IdentityID()]
		if target == nil {
			a.mu.Unlock()
			return InvalidData
		}
		if !target.CheckPassword(password) {
			a.mu.Unlock()
			return IncorrectPassword
		}
	} else {
		if !actor.IsAuthorizedTo(PermDeleteUsers) {
			a.mu.Unlock()
			return PermissionDenied
		}
		target = a.users[userID]
		if target == nil {
			a.mu.Unlock()
			return UserNotExists
		}
	}

	delete(a.users, target.UserID)
	for i, id := range a.order {
		if id == target.UserID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	if err := a.save(); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist user database")
	}
	listeners := make([]func(*User), 0, len(a.onDeleted))
	for _, fn := range a.onDeleted {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	a.log.Info().Str("user", target.UserID).Msg("User deleted")
	for _, fn := range listeners {
		fn(target)
	}
	return NoError
}

// Save flushes the in-memory state, picking up activity timestamps that do
// not trigger saves on their own.
func (a *DefaultAuthenticator) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.save()
}

// Run persists periodically and reloads the document when it is edited
// outside the process. Blocks until the context is cancelled.
func (a *DefaultAuthenticator) Run(ctx context.Context) error {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn().Err(err).Msg("User database watcher unavailable")
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(a.path)); err != nil {
			a.log.Warn().Err(err).Msg("Failed to watch user database directory")
		}
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return a.Save()
		case <-ticker.C:
			if err := a.Save(); err != nil {
				a.log.Error().Err(err).Msg("Failed to persist user database")
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Name != a.path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			a.mu.Lock()
			// Our own atomic saves show up here too.
			if time.Since(a.lastSave) < time.Second {
				a.mu.Unlock()
				continue
			}
			if err := a.load(); err != nil {
				a.log.Error().Err(err).Msg("Failed to reload user database")
			} else {
				a.log.Info().Msg("User database reloaded after external change")
			}
			a.mu.Unlock()
		}
	}
}
