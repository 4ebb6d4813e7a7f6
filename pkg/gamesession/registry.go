package gamesession

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/castaneai/monopolymoney/pkg/devicestorage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Registry is a Store backed by a device storage blob. The whole registry is
// rewritten on every mutation and the write completes before the mutation
// returns; a failed write leaves the in-memory registry untouched.
type Registry struct {
	blob      devicestorage.Blob
	logger    *zap.Logger
	now       func() time.Time
	sessions  map[string]Session
	order     []string
	corrupted bool
	mu        sync.RWMutex
}

type Option func(r *Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry loads the registry from blob. Storage that cannot be read or
// parsed is reported through the logger and replaced by an empty registry.
func NewRegistry(ctx context.Context, blob devicestorage.Blob, opts ...Option) *Registry {
	r := &Registry{
		blob:     blob,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load(ctx)
	return r
}

func (r *Registry) load(ctx context.Context) {
	data, err := r.blob.ReadAll(ctx)
	if err != nil {
		r.reportCorruption("failed to read session registry", err)
		return
	}
	sessions, err := decodeRegistry(data)
	if err != nil {
		r.reportCorruption("failed to decode session registry", err)
		return
	}
	skipped := 0
	for _, ss := range sessions {
		if !ss.Credentials().Valid() {
			skipped++
			continue
		}
		prev, ok := r.sessions[ss.GameID]
		if !ok {
			r.order = append(r.order, ss.GameID)
		} else if prev.LastAccess.After(ss.LastAccess) {
			continue
		}
		r.sessions[ss.GameID] = ss
	}
	if skipped > 0 {
		r.logger.Warn("skipped invalid stored sessions", zap.Int("count", skipped))
	}
	r.logger.Debug("loaded session registry", zap.Int("sessions", len(r.sessions)))
}

func (r *Registry) reportCorruption(msg string, err error) {
	r.corrupted = true
	r.sessions = make(map[string]Session)
	r.order = nil
	r.logger.Error(msg, zap.String("event", "storage_corruption"), zap.Error(err))
}

// Corrupted reports whether the stored registry was discarded on load.
func (r *Registry) Corrupted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.corrupted
}

func (r *Registry) List(ctx context.Context) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]Session, 0, len(r.order))
	for _, gid := range r.order {
		sessions = append(sessions, r.sessions[gid])
	}
	return sessions, nil
}

func (r *Registry) Find(ctx context.Context, gameID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ss, ok := r.sessions[gameID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &ss, nil
}

func (r *Registry) Upsert(ctx context.Context, gameID, userToken, playerID string) (*Session, error) {
	cred := Credentials{
		GameID:    strings.TrimSpace(gameID),
		UserToken: strings.TrimSpace(userToken),
		PlayerID:  strings.TrimSpace(playerID),
	}
	if !cred.Valid() {
		return nil, ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ss, ok := r.sessions[cred.GameID]
	if ok && ss.Credentials() != cred {
		return nil, errors.Wrapf(ErrInvariantViolation, "game %s", cred.GameID)
	}
	if !ok {
		ss = Session{GameID: cred.GameID, UserToken: cred.UserToken, PlayerID: cred.PlayerID}
	}
	ss.LastAccess = r.now()
	if err := r.commit(ctx, ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (r *Registry) Touch(ctx context.Context, gameID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ss, ok := r.sessions[gameID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ss.LastAccess = r.now()
	if err := r.commit(ctx, ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (r *Registry) AttachSnapshot(ctx context.Context, gameID string, status *GameStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ss, ok := r.sessions[gameID]
	if !ok {
		return ErrSessionNotFound
	}
	ss.Status = status
	return r.commit(ctx, ss)
}

func (r *Registry) Forget(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[gameID]; !ok {
		return nil
	}
	next := make([]Session, 0, len(r.order))
	order := make([]string, 0, len(r.order))
	for _, gid := range r.order {
		if gid != gameID {
			next = append(next, r.sessions[gid])
			order = append(order, gid)
		}
	}
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	delete(r.sessions, gameID)
	r.order = order
	return nil
}

// commit persists the registry with ss written in and only then applies it in memory.
// Must be called with mu held.
func (r *Registry) commit(ctx context.Context, ss Session) error {
	_, exists := r.sessions[ss.GameID]
	next := make([]Session, 0, len(r.order)+1)
	for _, gid := range r.order {
		if gid == ss.GameID {
			next = append(next, ss)
			continue
		}
		next = append(next, r.sessions[gid])
	}
	if !exists {
		next = append(next, ss)
	}
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.sessions[ss.GameID] = ss
	if !exists {
		r.order = append(r.order, ss.GameID)
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, sessions []Session) error {
	data, err := encodeRegistry(sessions)
	if err != nil {
		return errors.Wrap(err, "failed to encode session registry")
	}
	if err := r.blob.WriteAll(ctx, data); err != nil {
		r.logger.Warn("failed to persist session registry", zap.Error(err))
		return errors.Wrap(err, "failed to persist session registry")
	}
	return nil
}
