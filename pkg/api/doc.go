// Package api defines the core data types of the composer execution engine.
//
// The package describes tenants, pipelines, components and the records an
// invocation produces (chat turns, model calls), together with the wire
// shapes exchanged with a sandboxed pipeline over the callback protocol.
// It performs no I/O.
//
// Core types:
//   - [Pipeline]: an ordered chain of [ComponentInstance] entries owned by one tenant
//   - [Component]: a single user-authored function with declared arguments and state
//   - [States]: the state snapshot fetched and stored by a running pipeline
//   - [ChatTurn]: the immutable record of one invocation
//   - [APIError]: structured error with type, code, param, and message
//
// Derived names (runtime name, pipeline directory) are pure functions of
// numeric identifiers so they can be recomputed anywhere without lookups.
package api
