package gamesession

import (
	"context"
	"errors"
	"sort"
)

// Store is the registry of sessions this device belongs to, keyed by game id.
type Store interface {
	// List returns every known session in no particular order. Use SortByRecent for display.
	List(ctx context.Context) ([]Session, error)
	// Find returns ErrSessionNotFound when the device is not a member of gameID.
	Find(ctx context.Context, gameID string) (*Session, error)
	// Upsert inserts a session or refreshes the LastAccess of an existing one.
	// Changing the credentials of an existing session fails with ErrInvariantViolation.
	Upsert(ctx context.Context, gameID, userToken, playerID string) (*Session, error)
	// Touch marks an existing session as re-selected.
	Touch(ctx context.Context, gameID string) (*Session, error)
	// AttachSnapshot replaces the cached status of an existing session.
	// It fails with ErrSessionNotFound when the session is absent.
	AttachSnapshot(ctx context.Context, gameID string, status *GameStatus) error
	// Forget removes a session. Removing an absent session is not an error.
	Forget(ctx context.Context, gameID string) error
}

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvariantViolation = errors.New("session credentials cannot change once assigned")
	ErrInvalidSession     = errors.New("game id, user token and player id are required")
)

// SortByRecent orders sessions by LastAccess, most recent first.
func SortByRecent(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].LastAccess.Equal(sessions[j].LastAccess) {
			return sessions[i].GameID < sessions[j].GameID
		}
		return sessions[i].LastAccess.After(sessions[j].LastAccess)
	})
}
