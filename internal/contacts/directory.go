// Package contacts integrates the external Contact Directory.
//
// The directory is consulted exactly once per emergency, at trigger time;
// the result is copied into the emergency as a snapshot so later contact
// edits never change an in-flight notification plan.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// Directory resolves a user's emergency contacts.
type Directory interface {
	// Resolve returns the user's contacts ordered by tier. An empty result
	// is legal; triggering proceeds and the dispatcher simply has no one
	// to notify.
	Resolve(ctx context.Context, userID uuid.UUID) ([]emergency.Contact, error)
}

// HTTPDirectory talks to the contact directory service over HTTP.
type HTTPDirectory struct {
	// baseURL is the directory service root.
	baseURL string
	// client is the shared HTTP client.
	client *http.Client
}

// NewHTTPDirectory creates a directory client with the given request timeout.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve fetches the user's contacts from the directory service.
func (d *HTTPDirectory) Resolve(ctx context.Context, userID uuid.UUID) ([]emergency.Contact, error) {
	url := fmt.Sprintf("%s/users/%s/contacts", d.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call contact directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contact directory returned %d", resp.StatusCode)
	}

	var result []emergency.Contact
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}

	return result, nil
}

// Static is an in-memory Directory for tests and local development.
type Static struct {
	// mu protects the contact map.
	mu sync.Mutex
	// byUser holds contacts per user.
	byUser map[uuid.UUID][]emergency.Contact
	// err, when set, fails every Resolve to simulate an outage.
	err error
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{byUser: make(map[uuid.UUID][]emergency.Contact)}
}

// Put replaces a user's contact list.
func (s *Static) Put(userID uuid.UUID, list []emergency.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byUser[userID] = append([]emergency.Contact(nil), list...)
}

// Fail makes every subsequent Resolve return the given error.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

// Resolve returns a copy of the user's contacts.
func (s *Static) Resolve(_ context.Context, userID uuid.UUID) ([]emergency.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	return append([]emergency.Contact(nil), s.byUser[userID]...), nil
}
