package statuscache

import (
	"context"
	"io"

	"github.com/castaneai/monopolymoney/pkg/gameapi"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Watcher struct {
	store    gamesession.Store
	streamer gameapi.StatusStreamer
	logger   *zap.Logger
}

func NewWatcher(store gamesession.Store, streamer gameapi.StatusStreamer, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: store, streamer: streamer, logger: logger}
}

// Watch follows the live status of a stored game, attaching every snapshot to the
// session and passing it to fn when fn is non-nil. It returns nil when ctx ends or
// the service closes the stream.
func (w *Watcher) Watch(ctx context.Context, gameID string, fn func(*gamesession.GameStatus)) error {
	ss, err := w.store.Find(ctx, gameID)
	if err != nil {
		return err
	}
	stream, err := w.streamer.OpenStatusStream(ctx, ss.GameID, ss.UserToken)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = stream.Close()
	}()

	w.logger.Info("watching game status", zap.String("game_id", ss.GameID))
	for {
		st, err := stream.Next()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := w.store.AttachSnapshot(ctx, ss.GameID, st); err != nil {
			if errors.Is(err, gamesession.ErrSessionNotFound) {
				// forgotten while watching
				return nil
			}
			return errors.Wrapf(err, "failed to attach snapshot of game %s", ss.GameID)
		}
		if fn != nil {
			fn(st)
		}
	}
}
