// Package stream defines the workflow event schema and the sinks events are
// delivered through.
//
// Every chunk carries a chunk_type discriminator. A workflow additionally
// receives exactly one Completion (completed, error or cancelled). Emission
// is best effort: the Emitter logs sink failures and never blocks execution.
//
// Sinks:
//
//   - ChannelSink buffers events in process
//   - NATSSink publishes to <prefix>.<workflow>.stream and .complete
//   - WebSocketHub pushes to connected UI clients
//   - MultiSink fans out to several sinks
package stream
