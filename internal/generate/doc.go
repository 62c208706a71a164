// Package generate provides the text-generation collaborator used by simulated
// agents.
//
// Providers:
//
//   - openai: any OpenAI-compatible /chat/completions endpoint
//   - canned: deterministic offline replies, the default
//
// Callers treat a Generator as opaque. Errors are returned, never retried.
package generate
