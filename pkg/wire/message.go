package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys shared by all messages.
const (
	// KeyMessageType is present in every frame.
	KeyMessageType = 0

	KeyMessageID  = 1
	KeyOpOrStatus = 2 // Operation (request) or Status (response)
	KeyPayload    = 3
)

// MessageType represents the type of a decoded message.
type MessageType uint8

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeRequest
	MessageTypeResponse
	MessageTypeNotification
	MessageTypeControl
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeNotification:
		return "notification"
	case MessageTypeControl:
		return "control"
	default:
		return "unknown"
	}
}

// Request represents a broker request from client to broker.
//
// CBOR encoding:
//
//	{
//	  0: 1,            // message type
//	  1: messageId,    // uint32, never 0
//	  2: operation,    // uint8: 1=Get, 2=Set, 3=Subscribe, 4=Unsubscribe, 5=Authorize
//	  3: payload       // operation-specific data
//	}
type Request struct {
	MessageID uint32          `cbor:"1,keyasint"`
	Operation Operation       `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// NewRequest builds a request with an encoded payload.
// A nil payload produces a request without key 3.
func NewRequest(id uint32, op Operation, payload any) (*Request, error) {
	req := &Request{MessageID: id, Operation: op}
	if payload != nil {
		raw, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		req.Payload = raw
	}
	return req, nil
}

// Validate checks if the request is valid.
func (r *Request) Validate() error {
	if r.MessageID == 0 {
		return fmt.Errorf("messageId 0 is reserved")
	}
	if !r.Operation.IsValid() {
		return fmt.Errorf("invalid operation: %d", r.Operation)
	}
	return nil
}

// DecodePayload decodes the request payload into v.
func (r *Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s request has no payload", r.Operation)
	}
	return Unmarshal(r.Payload, v)
}

// Response represents a broker response.
//
// CBOR encoding:
//
//	{
//	  0: 2,            // message type
//	  1: messageId,    // uint32: matches request
//	  2: status,       // uint8: 0=success, or error code
//	  3: payload       // response data, or ErrorPayload on failure
//	}
type Response struct {
	MessageID uint32          `cbor:"1,keyasint"`
	Status    Status          `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// NewResponse builds a response with an encoded payload.
func NewResponse(id uint32, status Status, payload any) (*Response, error) {
	resp := &Response{MessageID: id, Status: status}
	if payload != nil {
		raw, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode response payload: %w", err)
		}
		resp.Payload = raw
	}
	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// DecodePayload decodes the response payload into v. An absent payload
// leaves v untouched.
func (r *Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return Unmarshal(r.Payload, v)
}

// ErrorMessage returns the message of an ErrorPayload, if any.
func (r *Response) ErrorMessage() string {
	var ep ErrorPayload
	if err := r.DecodePayload(&ep); err != nil {
		return ""
	}
	return ep.Message
}

// Notification carries subscription updates from broker to client.
//
// CBOR encoding:
//
//	{
//	  0: 3,                // message type
//	  1: subscriptionId,   // uint32, assigned by the broker
//	  2: updates           // array of Datapoint
//	}
type Notification struct {
	SubscriptionID uint32      `cbor:"1,keyasint"`
	Updates        []Datapoint `cbor:"2,keyasint"`
}

// ControlMessage represents a transport-level control message.
// These are separate from the request/response/notification model.
type ControlMessage struct {
	Type     ControlMessageType `cbor:"1,keyasint"`
	Sequence uint32             `cbor:"2,keyasint,omitempty"`
}

// ControlMessageType represents the type of control message.
type ControlMessageType uint8

const (
	// ControlPing is sent to check connection liveness.
	ControlPing ControlMessageType = 1

	// ControlPong is the response to a ping.
	ControlPong ControlMessageType = 2

	// ControlClose initiates graceful connection close.
	ControlClose ControlMessageType = 3
)

// String returns the control message type name.
func (t ControlMessageType) String() string {
	switch t {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlClose:
		return "close"
	default:
		return "unknown"
	}
}
