// Package storage defines the persistence contracts consumed by the core
// (execution records, validation requests, memories, task lists and user
// questions) and a process-local implementation. The postgres subpackage
// provides the durable implementation.
package storage
