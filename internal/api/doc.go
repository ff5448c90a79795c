// Package api exposes the orchestration core over HTTP: the emergency
// lifecycle operations, location ingestion and reads, and the WebSocket
// subscription endpoint for live tracking clients.
package api
