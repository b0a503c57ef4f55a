package wire

// Operation identifies a broker request.
type Operation uint8

const (
	// OpGet reads one or more signal values.
	OpGet Operation = 1

	// OpSet writes one or more signal values.
	OpSet Operation = 2

	// OpSubscribe opens a server-side subscription for a path pattern.
	OpSubscribe Operation = 3

	// OpUnsubscribe cancels a server-side subscription.
	OpUnsubscribe Operation = 4

	// OpAuthorize presents a bearer token for the session.
	OpAuthorize Operation = 5
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpGet:
		return "Get"
	case OpSet:
		return "Set"
	case OpSubscribe:
		return "Subscribe"
	case OpUnsubscribe:
		return "Unsubscribe"
	case OpAuthorize:
		return "Authorize"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is a known broker operation.
func (o Operation) IsValid() bool {
	return o >= OpGet && o <= OpAuthorize
}
