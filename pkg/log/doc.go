// Package log provides structured protocol logging for PV traffic.
//
// It is separate from operational logging (slog). Protocol capture records
// every frame, decoded gateway message, channel state change and error as a
// machine-readable event trace that can be replayed with "pvctl log".
//
// # Basic Usage
//
//	// Console, at debug level
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// Binary file
//	file, _ := log.NewFileLogger("/var/log/epicsdev/session.pvlog")
//
//	// Both
//	logger := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), file)
//
// # Event Types
//
//   - Transport: raw frame bytes (FrameEvent)
//   - Wire: decoded gateway messages (MessageEvent)
//   - Binding: channel and session state changes (StateChangeEvent)
//
// Control messages (ping/pong/close) and errors have dedicated event types.
//
// # File Format
//
// Log files are a concatenation of CBOR-encoded events (.pvlog).
package log
