// Package contracts defines the types shared by every layer of the dispatch
// engine:
//   - Envelope: the JSON unit of work exchanged over the broker
//   - Result: the tagged outcome a handler returns (success, retryable, fatal)
//   - Destination: an exchange and routing key pair
//   - Error types for decode, encode, registry and publish failures
package contracts
