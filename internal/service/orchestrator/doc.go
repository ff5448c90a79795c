// Package orchestrator implements the emergency state machine, the sole
// writer of an emergency's canonical lifecycle.
//
// Every mutating operation is linearized per emergency id through the
// store's optimistic version check-and-set: a losing concurrent writer
// re-fetches fresh state and retries a bounded number of times, so a
// cancellation racing an acknowledgment can never corrupt state. Event
// publishing happens only after the state change is durable, and the
// triggering call never blocks on notification delivery.
package orchestrator
