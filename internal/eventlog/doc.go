// Package eventlog is the durable, ordered event log decoupling the
// orchestration core from its consumers.
//
// Events travel as Envelope values carrying the emergency id, a
// per-emergency monotonically increasing sequence and a JSON payload.
// The JetStream implementation gives each consumer group an independent
// durable cursor, so a slow consumer never blocks another; the in-memory
// implementation serves tests and single-process development. Delivery is
// at-least-once everywhere, and consumers are expected to tolerate
// redelivery.
package eventlog
