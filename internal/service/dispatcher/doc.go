// Package dispatcher turns activation and escalation events into contact
// notifications.
//
// It consumes the event log through a durable queue group, so any worker
// instance may pick up an event and a crashed worker's events are
// redelivered. Every channel applicable to a contact is attempted in
// parallel with bounded retries; a cross-process de-duplication key keyed
// by event sequence, marked only after a successful send, keeps
// redeliveries from re-alerting anyone while still retrying sends that
// never completed.
package dispatcher
