// Package gameapi talks to the authoritative game service.
package gameapi

import (
	"context"
	"fmt"

	"github.com/castaneai/monopolymoney/pkg/gamesession"
)

// Service creates and joins games on the remote game service.
type Service interface {
	// CreateGame has no semantic rejection: it either succeeds or fails with a *TransportError.
	CreateGame(ctx context.Context, name string) (*gamesession.Credentials, error)
	// JoinGame reports DoesNotExist and NotOpen as results, not errors.
	JoinGame(ctx context.Context, gameID, name string) (*JoinResult, error)
}

type StatusFetcher interface {
	GetStatus(ctx context.Context, gameID, userToken string) (*gamesession.GameStatus, error)
}

type StatusStreamer interface {
	OpenStatusStream(ctx context.Context, gameID, userToken string) (StatusStream, error)
}

// StatusStream yields status snapshots pushed by the game service.
type StatusStream interface {
	// Next blocks until the next snapshot. It returns io.EOF once the service closes the stream.
	Next() (*gamesession.GameStatus, error)
	Close() error
}

type JoinOutcome int

const (
	Joined JoinOutcome = iota
	DoesNotExist
	NotOpen
)

func (o JoinOutcome) String() string {
	switch o {
	case Joined:
		return "Joined"
	case DoesNotExist:
		return "DoesNotExist"
	case NotOpen:
		return "NotOpen"
	}
	return fmt.Sprintf("JoinOutcome(%d)", int(o))
}

// JoinResult carries Credentials only when Outcome is Joined.
type JoinResult struct {
	Outcome     JoinOutcome
	Credentials gamesession.Credentials
}

// TransportError is any failure to get a well-formed answer from the game service:
// network errors, unexpected status codes and malformed bodies.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
