// Package errcode defines the closed error enums that travel as integers in
// wire messages. Hub errors are returned by resources and the registry,
// device errors by twin operations. Both are negative on failure and zero on
// success.
package errcode

// CloudError is the hub/resource error taxonomy.
type CloudError int

const (
	NoError           CloudError = 0
	UnknownType       CloudError = -1
	PermissionDenied  CloudError = -2
	InvalidToken      CloudError = -3
	AlreadyExists     CloudError = -4
	InvalidDescriptor CloudError = -5
	InvalidData       CloudError = -6
	UnknownItem       CloudError = -7
	InvalidParameters CloudError = -8
	StorageError      CloudError = -9
	UnknownError      CloudError = -10
)

// String returns the wire errorstring for the code.
func (e CloudError) String() string {
	switch e {
	case NoError:
		return ""
	case UnknownType:
		return "Unknown resource type."
	case PermissionDenied:
		return "Permission denied."
	case InvalidToken:
		return "Token invalid. Please log in and try again."
	case AlreadyExists:
		return "Already exists."
	case InvalidDescriptor:
		return "Invalid descriptor."
	case InvalidData:
		return "Invalid or incomplete data."
	case UnknownItem:
		return "Unknown item."
	case InvalidParameters:
		return "Invalid parameters."
	case StorageError:
		return "Storage error."
	default:
		return "Unknown internal error."
	}
}

// OK reports whether the code signals success.
func (e CloudError) OK() bool { return e >= NoError }

// DeviceError is the parallel enum for device twin operations.
type DeviceError int

const (
	DeviceNoError          DeviceError = 0
	FunctionNotExist       DeviceError = -1
	DeviceNotAvailable     DeviceError = -2
	PropertyNotExists      DeviceError = -3
	DevicePermissionDenied DeviceError = -4
)

func (e DeviceError) String() string {
	switch e {
	case DeviceNoError:
		return ""
	case FunctionNotExist:
		return "Unknown function."
	case DeviceNotAvailable:
		return "Device is offline."
	case PropertyNotExists:
		return "The property does not exist."
	case DevicePermissionDenied:
		return "Permission Denied."
	default:
		return "Unknown internal error"
	}
}

func (e DeviceError) OK() bool { return e >= DeviceNoError }
