// Package scheduler drives time-based transitions from persisted deadlines.
//
// Countdown deadlines and escalation timers live in the store, not in
// process memory, so a restarted worker picks up exactly where the crashed
// one left off. Every due item is claimed through a short-lived lease
// before it is acted on, which keeps concurrent workers from double-firing
// the same deadline.
package scheduler
