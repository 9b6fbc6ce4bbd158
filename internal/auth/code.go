package auth

// Code is the authentication error enum. It travels to clients as part of
// user command answers.
type Code int

const (
	NoError Code = iota
	UserAlreadyExists
	IncompleteData
	InvalidData
	PermissionDenied
	IncorrectPassword
	UserNotExists
)

func (c Code) String() string {
	switch c {
	case NoError:
		return ""
	case UserAlreadyExists:
		return "User already exists."
	case IncompleteData:
		return "Incomplete data."
	case InvalidData:
		return "Invalid or incomplete user data."
	case PermissionDenied:
		return "Permission denied."
	case IncorrectPassword:
		return "Password invalid."
	case UserNotExists:
		return "User not exists."
	default:
		return "Unknown error."
	}
}

func (c Code) OK() bool { return c == NoError }
