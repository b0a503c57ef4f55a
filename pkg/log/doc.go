// Package log provides structured protocol logging for the broker client.
//
// It is separate from operational logging (slog): protocol capture records
// a machine-readable trace of frames, decoded messages, control traffic and
// session state changes for debugging reconnect and subscription issues.
//
// # Basic Usage
//
//	// Console, via slog at debug level
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary capture file
//	fl, _ := log.NewFileLogger("/tmp/session.vlog")
//	cfg.ProtocolLogger = fl
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Layers
//
//   - Transport: raw frames and control messages (FrameEvent, ControlMsgEvent)
//   - Wire: decoded requests, responses and notifications (MessageEvent)
//   - Session: connection generation and subscription state (StateChangeEvent)
//
// Capture files are a sequence of CBOR-encoded events and are read back
// with Reader.
package log
