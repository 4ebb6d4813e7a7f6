// Package statuscache keeps the advisory status snapshots of stored sessions up to date.
package statuscache

import (
	"context"
	"sort"
	"sync"

	"github.com/castaneai/monopolymoney/pkg/gameapi"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

type Refresher struct {
	store       gamesession.Store
	fetcher     gameapi.StatusFetcher
	logger      *zap.Logger
	concurrency int
}

func NewRefresher(store gamesession.Store, fetcher gameapi.StatusFetcher, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{store: store, fetcher: fetcher, logger: logger, concurrency: defaultConcurrency}
}

// Report lists the outcome of a RefreshAll call per game.
type Report struct {
	Refreshed []string         `json:"refreshed"`
	Failed    map[string]error `json:"-"`
}

// FailedGameIDs returns the failed game ids in sorted order.
func (r *Report) FailedGameIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh fetches the current status of a stored game and attaches it to the session.
func (r *Refresher) Refresh(ctx context.Context, gameID string) (*gamesession.GameStatus, error) {
	ss, err := r.store.Find(ctx, gameID)
	if err != nil {
		return nil, err
	}
	st, err := r.fetcher.GetStatus(ctx, ss.GameID, ss.UserToken)
	if err != nil {
		return nil, err
	}
	if err := r.store.AttachSnapshot(ctx, ss.GameID, st); err != nil {
		return nil, errors.Wrapf(err, "failed to attach snapshot of game %s", ss.GameID)
	}
	return st, nil
}

// RefreshAll refreshes every stored session. A failing game never stops the others;
// the returned error is only set when the stored sessions cannot be listed.
func (r *Refresher) RefreshAll(ctx context.Context) (*Report, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	gamesession.SortByRecent(sessions)

	report := &Report{Failed: make(map[string]error)}
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(r.concurrency)
	for _, ss := range sessions {
		gameID := ss.GameID
		eg.Go(func() error {
			_, err := r.Refresh(ctx, gameID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("failed to refresh game status", zap.String("game_id", gameID), zap.Error(err))
				report.Failed[gameID] = err
				return nil
			}
			report.Refreshed = append(report.Refreshed, gameID)
			return nil
		})
	}
	_ = eg.Wait()
	sort.Strings(report.Refreshed)
	return report, nil
}
