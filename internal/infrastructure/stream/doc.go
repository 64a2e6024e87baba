// Package stream turns a long-lived HTTP response body into typed scan events.
//
// Pipeline:
//
//	ByteSource -> LineDecoder -> ParseRecord -> Handler
//
//   - ByteSource pulls raw chunks and honours context cancellation even while a
//     read is blocked on the network.
//   - LineDecoder keeps a carry-over buffer so records split across chunk
//     boundaries are reassembled before decoding.
//   - ParseRecord maps one newline-delimited JSON record to a scan.Event, or to a
//     ParseFailure diagnostic that never stops the stream.
//   - Pump wires the three together for a single consumer.
//
// Nothing in this package knows about sessions; folding events into state is the
// reducer's job in internal/domain/scan.
package stream
