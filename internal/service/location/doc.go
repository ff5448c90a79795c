// Package location maintains the per-emergency location trail and fans
// updates out to the event log, the coordination cache and attached
// real-time subscribers.
package location
