// Package monitor exposes Prometheus metrics for message dispatch.
//
// Metrics records per-delivery outcomes, publish results and connection
// state, and doubles as a rabbitmq.ConnectionStateListener. A nil *Metrics
// records nothing, so components can take one unconditionally.
//
// QueueDepthCollector reports queue depth on each scrape by passively
// declaring the watched queues.
package monitor
