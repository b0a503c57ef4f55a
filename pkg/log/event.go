package log

import (
	"time"

	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the channel the event belongs to.
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Generation is the session connection generation, 0 if unknown.
	Generation uint64 `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Transport names the channel kind (framed, websocket, grpc, pipe).
	Transport string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerSession is the session and subscription layer.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes, including any length prefix.
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded broker message at the wire layer.
type MessageEvent struct {
	Type wire.MessageType `cbor:"1,keyasint"`

	// MessageID correlates request/response pairs (0 for notifications).
	MessageID uint32 `cbor:"2,keyasint,omitempty"`

	Operation      *wire.Operation `cbor:"3,keyasint,omitempty"`
	Status         *wire.Status    `cbor:"4,keyasint,omitempty"`
	SubscriptionID *uint32         `cbor:"5,keyasint,omitempty"`

	// Paths lists the signal paths or pattern the message refers to.
	Paths []string `cbor:"6,keyasint,omitempty"`

	// Latency is the time between request send and response receipt.
	Latency *time.Duration `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures channel, session and subscription lifecycle events.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`

	// SubscriptionID is set for subscription entities.
	SubscriptionID uint64 `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityChannel      StateEntity = 0
	StateEntitySession      StateEntity = 1
	StateEntitySubscription StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntitySession:
		return "SESSION"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport-level control messages.
type ControlMsgEvent struct {
	Type     wire.ControlMessageType `cbor:"1,keyasint"`
	Sequence uint32                  `cbor:"2,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// DescribeMessage decodes enough of a frame to build a MessageEvent.
// It returns nil for control frames and undecodable data.
func DescribeMessage(data []byte) *MessageEvent {
	mt, err := wire.PeekMessageType(data)
	if err != nil {
		return nil
	}

	switch mt {
	case wire.MessageTypeRequest:
		req, err := wire.DecodeRequest(data)
		if err != nil {
			return nil
		}
		ev := &MessageEvent{Type: mt, MessageID: req.MessageID, Operation: &req.Operation}
		ev.Paths = requestPaths(req)
		return ev
	case wire.MessageTypeResponse:
		resp, err := wire.DecodeResponse(data)
		if err != nil {
			return nil
		}
		return &MessageEvent{Type: mt, MessageID: resp.MessageID, Status: &resp.Status}
	case wire.MessageTypeNotification:
		notif, err := wire.DecodeNotification(data)
		if err != nil {
			return nil
		}
		ev := &MessageEvent{Type: mt, SubscriptionID: &notif.SubscriptionID}
		for _, u := range notif.Updates {
			ev.Paths = append(ev.Paths, u.Path)
		}
		return ev
	default:
		return nil
	}
}

func requestPaths(req *wire.Request) []string {
	switch req.Operation {
	case wire.OpGet:
		var p wire.GetPayload
		if req.DecodePayload(&p) == nil {
			return p.Paths
		}
	case wire.OpSet:
		var p wire.SetPayload
		if req.DecodePayload(&p) == nil {
			paths := make([]string, len(p.Entries))
			for i, e := range p.Entries {
				paths[i] = e.Path
			}
			return paths
		}
	case wire.OpSubscribe:
		var p wire.SubscribePayload
		if req.DecodePayload(&p) == nil {
			return []string{p.Pattern}
		}
	}
	return nil
}
