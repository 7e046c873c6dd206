package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes every NATS subject published by NATSSink.
const DefaultSubjectPrefix = "agentcrew"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on per-workflow subjects:
// <prefix>.<workflow>.stream and <prefix>.<workflow>.complete.
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	s := &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
	if conn, ok := pub.(*nats.Conn); ok {
		s.conn = conn
	}
	return s
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, prefix string, opts ...nats.Option) (*NATSSink, error) {
	opts = append([]nats.Option{nats.Name("agentcrew"), nats.MaxReconnects(-1)}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSSink(conn, prefix), nil
}

// StreamSubject returns the chunk subject of a workflow.
func (s *NATSSink) StreamSubject(workflowID string) string {
	return s.prefix + "." + subjectToken(workflowID) + ".stream"
}

// CompleteSubject returns the completion subject of a workflow.
func (s *NATSSink) CompleteSubject(workflowID string) string {
	return s.prefix + "." + subjectToken(workflowID) + ".complete"
}

// Emit implements Sink.
func (s *NATSSink) Emit(_ context.Context, chunk Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.StreamSubject(chunk.WorkflowID), data)
}

// Complete implements Sink.
func (s *NATSSink) Complete(_ context.Context, completion Completion) error {
	data, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.CompleteSubject(completion.WorkflowID), data)
}

// Close drains the owned connection, if any.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
