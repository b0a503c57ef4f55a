// Package discovery finds signal brokers on the local network with
// mDNS/DNS-SD.
//
// Brokers advertise the _vss-broker._tcp service. The SRV record carries
// host and port; TXT records describe how to reach the broker:
//
//	scheme=grpc   transport scheme (tcp, tls, ws, wss, grpc, grpcs)
//	path=/vss     HTTP path for ws and wss endpoints (optional)
//	ver=1.0       broker protocol version
//
// Browsers report only brokers whose major version matches
// version.Current. A discovered BrokerService converts to a
// transport.Endpoint for client.Config.
package discovery
