package client

import (
	"errors"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/interaction"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Client errors. Every failure returned by a Client is one of these
// sentinels, or wraps a ConnectError, TransportError or BrokerError.
var (
	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = interaction.ErrClientClosed

	// ErrTimeout is returned when a call is not answered in time. It also
	// matches context.DeadlineExceeded.
	ErrTimeout = interaction.ErrTimeout

	// ErrNoEndpoint is returned by New without an endpoint.
	ErrNoEndpoint = errors.New("client: endpoint is required")

	// ErrNotConnected is returned when no channel is available.
	ErrNotConnected = connection.ErrNotConnected
)

type (
	// ConnectError reports a failed connection attempt. Fatal attempts
	// were rejected by the broker and are not retried.
	ConnectError = transport.ConnectError

	// TransportError reports a dead channel. Requests in flight on it
	// fail with this error and are not retried.
	TransportError = transport.TransportError

	// BrokerError is a failure status returned by the broker.
	BrokerError = interaction.StatusError
)

// BrokerCode returns the broker status carried by err.
func BrokerCode(err error) (wire.Status, bool) {
	return interaction.StatusOf(err)
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnectError reports whether err is a failed connection attempt.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsTransportError reports whether err stems from a dead channel.
func IsTransportError(err error) bool {
	return transport.IsTransport(err)
}
