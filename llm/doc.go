// Package llm defines the provider-neutral request and response types used by
// the outbound request subsystem, the error taxonomy shared by transport and
// orchestration code, and the retry policy applied to transient failures.
//
// Provider-specific transports live in subpackages (e.g. llm/openai) and
// implement the Gateway interface. Transports never retry internally; retry
// orchestration belongs to the caller.
package llm
