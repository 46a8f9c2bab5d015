// Package reliability decides what happens to deliveries that fail.
//
// A Router either schedules the next attempt of an envelope on a TTL delay
// queue or publishes it to the dead-letter destination, and only then
// acknowledges the original delivery. When neither publish succeeds the
// delivery is requeued so the broker hands it out again.
//
// Delay queues are named after their delay in milliseconds and dead-letter
// expired messages back to the primary queue:
//
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2, 3)
//	policy.Jitter = false
//	scheduler := NewDelayScheduler(topology, destinations, logger)
//	router, err := NewRouter(publisher, scheduler, policy, destinations.DeadLetter())
package reliability
