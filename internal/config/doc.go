// Package config defines the settings shared by the lifeline binaries and
// provides helpers to load, validate and save them in YAML format.
//
// The Config type holds the HTTP listen address, the Postgres, Redis and
// NATS connection settings, the transport gateway endpoints, and the
// countdown, escalation, dispatch and retention tuning knobs.
package config
