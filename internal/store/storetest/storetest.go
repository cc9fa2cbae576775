// Package storetest provides store fixtures for tests.
package storetest

import (
	"testing"

	"github.com/NiklasHoffmann/livechat/internal/store"
)

// NewStore returns an in-memory SQLite store that is closed with the test.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
