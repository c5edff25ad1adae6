// Package blob is the remote object store the sync engine exchanges
// payloads with. Locations are opaque slash-separated keys.
//
// Every implementation follows the same conventions: uploading an empty
// payload deletes the location, downloading a missing location returns
// an empty payload, and deleting a missing location succeeds.
package blob

import (
	"context"
	gosync "sync"
)

// Store uploads, downloads and deletes payloads by location.
type Store interface {
	Upload(ctx context.Context, location string, payload []byte) error
	Download(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    gosync.Mutex
	blobs map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, location string, payload []byte) error {
	if len(payload) == 0 {
		return m.Delete(ctx, location)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[location] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) Download(_ context.Context, location string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.blobs[location]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (m *Memory) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, location)
	return nil
}

// Locations lists the stored locations, for tests and diagnostics.
func (m *Memory) Locations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	locations := make([]string, 0, len(m.blobs))
	for l := range m.blobs {
		locations = append(locations, l)
	}
	return locations
}
