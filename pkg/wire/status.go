package wire

// Status represents a response status code.
type Status uint8

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess Status = 0

	// StatusNotFound indicates the signal path does not exist.
	StatusNotFound Status = 1

	// StatusPermissionDenied indicates the session may not access the path.
	StatusPermissionDenied Status = 2

	// StatusUnauthenticated indicates a missing or invalid token.
	StatusUnauthenticated Status = 3

	// StatusInvalidArgument indicates a malformed request or pattern.
	StatusInvalidArgument Status = 4

	// StatusTypeMismatch indicates a value of the wrong data type.
	StatusTypeMismatch Status = 5

	// StatusReadOnly indicates an attempt to set a sensor value.
	StatusReadOnly Status = 6

	// StatusBusy indicates the broker is busy; try again later.
	StatusBusy Status = 7

	// StatusUnsupported indicates the operation is not supported.
	StatusUnsupported Status = 8

	// StatusResourceExhausted indicates a broker-side limit was hit,
	// e.g. too many subscriptions.
	StatusResourceExhausted Status = 9

	// StatusInternal indicates a broker failure.
	StatusInternal Status = 10
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusUnauthenticated:
		return "UNAUTHENTICATED"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusTypeMismatch:
		return "TYPE_MISMATCH"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusBusy:
		return "BUSY"
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsError returns true if the status indicates an error.
func (s Status) IsError() bool {
	return s != StatusSuccess
}

// IsAuthFailure reports whether the status rejects the session's
// credentials rather than the request itself.
func (s Status) IsAuthFailure() bool {
	return s == StatusPermissionDenied || s == StatusUnauthenticated
}
