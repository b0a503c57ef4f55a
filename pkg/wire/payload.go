package wire

// Field selects which value slot of a signal an operation addresses.
type Field uint8

const (
	// FieldCurrent is the observed value of a sensor or actuator.
	FieldCurrent Field = 0

	// FieldTarget is the requested value of an actuator.
	FieldTarget Field = 1
)

// String returns the field name.
func (f Field) String() string {
	switch f {
	case FieldCurrent:
		return "current"
	case FieldTarget:
		return "target"
	default:
		return "unknown"
	}
}

// GetPayload is the payload of a Get request.
type GetPayload struct {
	Paths []string `cbor:"1,keyasint"`
	Field Field    `cbor:"2,keyasint,omitempty"`
}

// GetResponsePayload carries the values read by a Get request, in request
// order.
type GetResponsePayload struct {
	Values []Datapoint `cbor:"1,keyasint"`
}

// SetPayload is the payload of a Set request. Entry timestamps are ignored
// by the broker.
type SetPayload struct {
	Entries []Datapoint `cbor:"1,keyasint"`
	Field   Field       `cbor:"2,keyasint,omitempty"`
}

// SubscribePayload is the payload of a Subscribe request.
type SubscribePayload struct {
	Pattern string `cbor:"1,keyasint"`
	Field   Field  `cbor:"2,keyasint,omitempty"`
}

// SubscribeResponsePayload identifies the subscription created by the
// broker. Notifications for it carry the same id.
type SubscribeResponsePayload struct {
	SubscriptionID uint32 `cbor:"1,keyasint"`
}

// UnsubscribePayload is the payload of an Unsubscribe request.
type UnsubscribePayload struct {
	SubscriptionID uint32 `cbor:"1,keyasint"`
}

// AuthorizePayload presents a bearer token to the broker.
type AuthorizePayload struct {
	Token string `cbor:"1,keyasint"`
}

// ErrorPayload is the payload of a failed response.
type ErrorPayload struct {
	Message string `cbor:"1,keyasint,omitempty"`
}
