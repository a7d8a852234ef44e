package session

import (
	"context"
	"errors"
)

// ErrNotFound reports that no snapshot exists for the account.
var ErrNotFound = errors.New("session: no stored snapshot")

// Store persists session snapshots across process restarts.
type Store interface {
	// Load returns the stored snapshot for identity, or ErrNotFound.
	Load(ctx context.Context, identity string) (*Session, error)

	// Save writes the snapshot, replacing any previous one.
	Save(ctx context.Context, snapshot *Session) error
}

// NopStore discards snapshots; useful in tests and one-shot runs.
type NopStore struct{}

func (NopStore) Load(context.Context, string) (*Session, error) { return nil, ErrNotFound }
func (NopStore) Save(context.Context, *Session) error           { return nil }
