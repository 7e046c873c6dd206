// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing agent configs, stub agents and
// recording stream sinks. They are not intended for production usage.
package testutil
