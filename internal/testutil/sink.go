package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcrew/stream"
)

// RecordingSink is a stream.Sink that keeps everything it receives.
type RecordingSink struct {
	mu          sync.Mutex
	chunks      []stream.Chunk
	completions []stream.Completion
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// Emit implements stream.Sink.
func (s *RecordingSink) Emit(_ context.Context, chunk stream.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Complete implements stream.Sink.
func (s *RecordingSink) Complete(_ context.Context, c stream.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
	return nil
}

// Chunks returns a copy of the received chunks.
func (s *RecordingSink) Chunks() []stream.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Chunk(nil), s.chunks...)
}

// Completions returns a copy of the received completion events.
func (s *RecordingSink) Completions() []stream.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Completion(nil), s.completions...)
}

// Types returns the chunk types in arrival order.
func (s *RecordingSink) Types() []stream.ChunkType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.ChunkType, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.ChunkType
	}
	return out
}

// OfType returns the chunks of type t.
func (s *RecordingSink) OfType(t stream.ChunkType) []stream.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stream.Chunk
	for _, c := range s.chunks {
		if c.ChunkType == t {
			out = append(out, c)
		}
	}
	return out
}

// Emitter wraps the sink in a stream.Emitter.
func (s *RecordingSink) Emitter() *stream.Emitter { return stream.NewEmitter(s, nil) }
