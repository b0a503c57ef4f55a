package log

import (
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// EncodeEvent encodes an Event with the broker wire codec, so embedded
// frames keep their canonical encoding.
func EncodeEvent(event Event) ([]byte, error) {
	return wire.Marshal(event)
}

// DecodeEvent decodes CBOR bytes into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := wire.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}
