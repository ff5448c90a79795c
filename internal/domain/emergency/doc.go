// Package emergency contains the core domain types for the alert
// orchestration business logic.
//
// It defines the Emergency lifecycle (pending -> active -> cancelled/resolved)
// with its transition rules, the contact snapshot copied into an emergency at
// trigger time, acknowledgments, location points, notification records and
// escalation timers, along with the shared error taxonomy.
package emergency
