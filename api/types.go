package api

import (
	"context"

	"board-api/board"
	"board-api/domain"
)

// BoardSource yields the per-user board store backing the handlers.
type BoardSource interface {
	For(ctx context.Context, scopeID domain.ID) (*board.Store, error)
	Invalidate(scopeID domain.ID)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Publisher fans confirmed board mutations out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, scopeID domain.ID, ev domain.BoardEvent) error
}

// Deduper prevents reprocessing of repeated move submissions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the confirming write fails.
	Remove(ctx context.Context, userID, key string) error
}
