// Package protocol defines the JSON message envelope spoken on every
// websocket connection. A physical connection multiplexes virtual channels,
// each identified by the uuid field. Commands are colon separated, with the
// first token naming the resource type or subsystem.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/quickhub/quickhub/internal/errcode"
)

// Message is the wire envelope. Parameters carries resource handler
// arguments, Payload carries service call bodies. Reply is only present on
// fan-out messages and is true for the originator of the change.
type Message struct {
	Command     string         `json:"command"`
	UUID        string         `json:"uuid,omitempty"`
	Token       string         `json:"token,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Reply       *bool          `json:"reply,omitempty"`
	ErrorCode   *int           `json:"errorcode,omitempty"`
	ErrorString string         `json:"errorstring,omitempty"`

	// Device nodes speak a compact command set on their channel. Params is
	// a map for calls, a list for init sequences and a bare number for key
	// assignment.
	Cmd    string `json:"cmd,omitempty"`
	Params any    `json:"params,omitempty"`
	CbID   string `json:"cbID,omitempty"`
}

// Decode parses a raw websocket frame into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Namespace returns the first colon separated token of the command.
func (m Message) Namespace() string {
	if i := strings.Index(m.Command, ":"); i >= 0 {
		return m.Command[:i]
	}
	return m.Command
}

// Tokens splits the command at colons.
func (m Message) Tokens() []string {
	return strings.Split(m.Command, ":")
}

// WithReply returns a copy of the message with the reply flag set. Fan-out
// senders use this to mark the copy that goes back to the originator.
func (m Message) WithReply(originator bool) Message {
	m.Reply = &originator
	return m
}

// Param returns a parameter value, or nil when absent.
func (m Message) Param(key string) any {
	if m.Parameters == nil {
		return nil
	}
	return m.Parameters[key]
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (m Message) StringParam(key string) string {
	s, _ := m.Param(key).(string)
	return s
}

// IntParam returns an integer parameter. JSON numbers decode as float64, so
// both forms are accepted. The second return reports whether the key held a
// number.
func (m Message) IntParam(key string) (int, bool) {
	switch v := m.Param(key).(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// BoolParam returns a boolean parameter, defaulting to false.
func (m Message) BoolParam(key string) bool {
	b, _ := m.Param(key).(bool)
	return b
}

// MapParam returns a map-valued parameter, or nil.
func (m Message) MapParam(key string) map[string]any {
	v, _ := m.Param(key).(map[string]any)
	return v
}

// Success builds a "<command>:success" answer.
func Success(command string) Message {
	return Message{Command: command + ":success"}
}

// Failed builds a "<command>:failed" answer carrying the error enum.
func Failed(command string, err errcode.CloudError) Message {
	code := int(err)
	return Message{
		Command:     command + ":failed",
		ErrorCode:   &code,
		ErrorString: err.String(),
	}
}

// DeviceFailed is the device flavoured error answer.
func DeviceFailed(command string, err errcode.DeviceError) Message {
	code := int(err)
	return Message{
		Command:     command + ":failed",
		ErrorCode:   &code,
		ErrorString: err.String(),
	}
}

// Answer folds a resource error into either a success or a failed envelope.
func Answer(command string, err errcode.CloudError) Message {
	if err.OK() {
		return Success(command)
	}
	return Failed(command, err)
}
