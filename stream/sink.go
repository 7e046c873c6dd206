package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentcrew/logging"
)

// ErrSinkFull is returned by a Sink that drops an event under backpressure.
var ErrSinkFull = errors.New("stream sink full")

// Sink receives workflow events. Implementations must be safe for
// concurrent use and should not block for long.
type Sink interface {
	Emit(ctx context.Context, chunk Chunk) error
	Complete(ctx context.Context, completion Completion) error
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Chunk) error { return nil }

// Complete implements Sink.
func (NopSink) Complete(context.Context, Completion) error { return nil }

// ChannelSink buffers events on channels. Sends never block: a full buffer
// drops the event and returns ErrSinkFull.
type ChannelSink struct {
	chunks      chan Chunk
	completions chan Completion
	closeOnce   sync.Once
	mu          sync.RWMutex
	closed      bool
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{
		chunks:      make(chan Chunk, buffer),
		completions: make(chan Completion, buffer),
	}
}

// Chunks returns the event channel.
func (s *ChannelSink) Chunks() <-chan Chunk { return s.chunks }

// Completions returns the completion channel.
func (s *ChannelSink) Completions() <-chan Completion { return s.completions }

// Emit implements Sink.
func (s *ChannelSink) Emit(_ context.Context, chunk Chunk) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.chunks <- chunk:
		return nil
	default:
		return ErrSinkFull
	}
}

// Complete implements Sink.
func (s *ChannelSink) Complete(_ context.Context, completion Completion) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.completions <- completion:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close closes both channels. Later events are dropped silently.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.chunks)
		close(s.completions)
	})
}

// MultiSink fans every event out to all sinks and joins their errors.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, chunk Chunk) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Complete implements Sink.
func (m MultiSink) Complete(ctx context.Context, completion Completion) error {
	var errs []error
	for _, s := range m {
		if err := s.Complete(ctx, completion); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter wraps a Sink with best-effort semantics: failures are logged and
// never returned to the caller. A nil Emitter is valid and drops everything.
type Emitter struct {
	sink   Sink
	logger logging.Logger
}

// NewEmitter creates an Emitter. A nil sink discards events.
func NewEmitter(sink Sink, logger logging.Logger) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{sink: sink, logger: logging.OrNoOp(logger)}
}

// Sink returns the wrapped sink.
func (e *Emitter) Sink() Sink {
	if e == nil {
		return NopSink{}
	}
	return e.sink
}

// Emit sends chunk and logs on failure.
func (e *Emitter) Emit(ctx context.Context, chunk Chunk) {
	if e == nil {
		return
	}
	if err := e.sink.Emit(ctx, chunk); err != nil {
		e.logger.Warn("stream.emit.failed",
			"chunk_type", chunk.ChunkType,
			"workflow_id", chunk.WorkflowID,
			"error", err,
		)
	}
}

// Complete sends the terminal event and logs on failure.
func (e *Emitter) Complete(ctx context.Context, completion Completion) {
	if e == nil {
		return
	}
	if err := e.sink.Complete(ctx, completion); err != nil {
		e.logger.Warn("stream.complete.failed",
			"workflow_id", completion.WorkflowID,
			"status", completion.Status,
			"error", err,
		)
	}
}
