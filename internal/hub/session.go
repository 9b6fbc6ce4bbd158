package hub

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/protocol"
)

// SessionHandler answers the user:* commands. Channels that logged in are
// remembered so a server side session close can notify them, and a dying
// channel takes its session with it.
type SessionHandler struct {
	auth          *auth.Service
	authenticator *auth.DefaultAuthenticator
	log           zerolog.Logger

	// allowAnonymousRegistration is consulted when user:add arrives
	// without a valid token. Defaults to closed.
	allowAnonymousRegistration func() bool

	mu            sync.Mutex
	tokenToSocket map[string]connection.Socket
}

func NewSessionHandler(service *auth.Service, authenticator *auth.DefaultAuthenticator) *SessionHandler {
	h := &SessionHandler{
		auth:          service,
		authenticator: authenticator,
		log:           logging.Component("session"),
		tokenToSocket: map[string]connection.Socket{},
	}
	service.OnSessionClosed(h.sessionClosed)
	return h
}

// SetRegistrationPolicy opens user:add for channels without a session.
func (h *SessionHandler) SetRegistrationPolicy(allowed func() bool) {
	h.allowAnonymousRegistration = allowed
}

func (h *SessionHandler) HandleRequest(msg protocol.Message, socket connection.Socket) bool {
	if !strings.HasPrefix(msg.Command, "user") {
		return false
	}

	switch msg.Command {
	case "user:login":
		h.login(msg, socket)
		return true
	case "user:add":
		h.addUser(msg, socket)
		return true
	}

	actor := h.auth.ValidateToken(msg.Token)
	if actor == nil {
		socket.Send(protocol.Message{
			Command:     msg.Command + ":failed",
			ErrorString: "Token invalid. Please log in and try again.",
		})
		return true
	}

	switch msg.Command {
	case "user:changepassword":
		oldPassword, _ := msg.Payload["oldPassword"].(string)
		newPassword, _ := msg.Payload["newPassword"].(string)
		userID, _ := msg.Payload["userID"].(string)
		code := h.authenticator.ChangePassword(actor, oldPassword, newPassword, userID)
		socket.Send(userAnswer(msg.Command, code))
		return true

	case "user:logout":
		if !h.auth.Logout(msg.Token) {
			socket.Send(protocol.Message{Command: "logout:failed"})
		}
		return true

	case "user:setpermission":
		permission, _ := msg.Payload["permission"].(string)
		userID, _ := msg.Payload["userID"].(string)
		allowed, _ := msg.Payload["allowed"].(bool)
		code := h.authenticator.SetPermission(actor, userID, permission, allowed)
		socket.Send(userAnswer(msg.Command, code))
		return true

	case "user:delete":
		userID, _ := msg.Payload["userID"].(string)
		password, _ := msg.Payload["password"].(string)
		code := h.authenticator.DeleteUser(actor, password, userID)
		socket.Send(userAnswer(msg.Command, code))
		return true
	}

	return false
}

func (h *SessionHandler) login(msg protocol.Message, socket connection.Socket) {
	userID, _ := msg.Payload["userID"].(string)
	password, _ := msg.Payload["password"].(string)

	token, code := h.auth.Login(userID, password)
	if !code.OK() {
		answer := userAnswer(msg.Command, code)
		if code == auth.IncorrectPassword {
			answer.ErrorString = "Wrong password."
		}
		if code == auth.UserNotExists {
			answer.ErrorString = "Unknown User."
		}
		socket.Send(answer)
		return
	}

	h.mu.Lock()
	h.tokenToSocket[token] = socket
	h.mu.Unlock()
	socket.OnDisconnected(func() { h.socketGone(token) })

	payload := map[string]any{"token": token}
	if expiry, ok := h.auth.TokenExpiration(token); ok {
		payload["tokenExpiration"] = expiry.UnixMilli()
	}
	if user := h.auth.GetUserForToken(token); user != nil {
		payload["user"] = user.PublicData()
	}
	socket.Send(protocol.Message{Command: "user:login:success", Payload: payload})
	h.log.Info().Str("user", userID).Msg("User logged in")
}

func (h *SessionHandler) addUser(msg protocol.Message, socket connection.Socket) {
	userID, _ := msg.Payload["userID"].(string)
	password, _ := msg.Payload["password"].(string)
	email, _ := msg.Payload["eMail"].(string)
	name, _ := msg.Payload["name"].(string)

	actor := h.auth.ValidateToken(msg.Token)
	if actor == nil && (h.allowAnonymousRegistration == nil || !h.allowAnonymousRegistration()) {
		socket.Send(userAnswer(msg.Command, auth.PermissionDenied))
		return
	}
	user, code := h.authenticator.AddUser(actor, userID, password)
	if user != nil {
		user.EMail = email
		user.UserName = name
		if err := h.authenticator.Save(); err != nil {
			h.log.Error().Err(err).Msg("Failed to persist user data")
		}
	}
	if code.OK() {
		h.log.Info().Str("user", userID).Msg("User added")
	}
	socket.Send(userAnswer(msg.Command, code))
}

// socketGone ends the session of a channel that disappeared without a
// proper logout.
func (h *SessionHandler) socketGone(token string) {
	h.mu.Lock()
	_, known := h.tokenToSocket[token]
	delete(h.tokenToSocket, token)
	h.mu.Unlock()
	if known {
		h.auth.Logout(token)
	}
}

// sessionClosed tells the affected channel that its session ended, e.g.
// after expiration or a logout from another device.
func (h *SessionHandler) sessionClosed(identityID, token string) {
	h.mu.Lock()
	socket := h.tokenToSocket[token]
	delete(h.tokenToSocket, token)
	h.mu.Unlock()
	if socket != nil {
		socket.Send(protocol.Message{Command: "logout:success"})
	}
}

func userAnswer(command string, code auth.Code) protocol.Message {
	if code.OK() {
		return protocol.Message{Command: command + ":success"}
	}
	wire := int(code)
	return protocol.Message{
		Command:     command + ":failed",
		ErrorCode:   &wire,
		ErrorString: code.String(),
	}
}
