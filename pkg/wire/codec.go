package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Codec modes shared by every broker message and by protocol log files.
// Encoding is deterministic; decoding skips unknown keys and tolerates
// duplicates so newer brokers can extend messages.
var (
	encMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	decMode = mustDecMode(cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxArrayElements:  maxElements,
		MaxMapPairs:       maxElements,
	})
)

// maxElements bounds arrays and maps in a decoded frame. A 64 KiB frame
// cannot legitimately hold more.
const maxElements = 64 * 1024

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder mode: %v", err))
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder mode: %v", err))
	}
	return m
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

func decode[T any](data []byte, what string) (*T, error) {
	msg := new(T)
	if err := Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return msg, nil
}

// EncodeRequest encodes a request message to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return Marshal(struct {
		Type MessageType `cbor:"0,keyasint"`
		*Request
	}{MessageTypeRequest, req})
}

// DecodeRequest decodes and validates a request message.
func DecodeRequest(data []byte) (*Request, error) {
	req, err := decode[Request](data, "request")
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// EncodeResponse encodes a response message to CBOR bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	return Marshal(struct {
		Type MessageType `cbor:"0,keyasint"`
		*Response
	}{MessageTypeResponse, resp})
}

// DecodeResponse decodes a response message.
func DecodeResponse(data []byte) (*Response, error) {
	return decode[Response](data, "response")
}

// EncodeNotification encodes a notification message to CBOR bytes.
func EncodeNotification(n *Notification) ([]byte, error) {
	return Marshal(struct {
		Type MessageType `cbor:"0,keyasint"`
		*Notification
	}{MessageTypeNotification, n})
}

// DecodeNotification decodes a notification message.
func DecodeNotification(data []byte) (*Notification, error) {
	return decode[Notification](data, "notification")
}

// EncodeControlMessage encodes a ping, pong or close frame.
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	return Marshal(struct {
		Type MessageType `cbor:"0,keyasint"`
		*ControlMessage
	}{MessageTypeControl, msg})
}

// DecodeControlMessage decodes a control message.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	return decode[ControlMessage](data, "control message")
}

// PeekMessageType reads key 0 of a frame without decoding the rest.
func PeekMessageType(data []byte) (MessageType, error) {
	var peek struct {
		Type MessageType `cbor:"0,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return MessageTypeUnknown, fmt.Errorf("peek message type: %w", err)
	}
	if peek.Type < MessageTypeRequest || peek.Type > MessageTypeControl {
		return MessageTypeUnknown, fmt.Errorf("unknown message type %d", peek.Type)
	}
	return peek.Type, nil
}

// Equal compares two values by their CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
