// Package resilience holds the retry, rate limiting and circuit breaking
// primitives shared by model providers, the sub-agent executor and the
// remote-tool manager.
package resilience
