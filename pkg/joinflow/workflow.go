// Package joinflow reconciles a create or join request against the sessions this
// device already holds and the remote game service.
//
// A Workflow handles one submission at a time. Local validation problems and the
// service's "does not exist" / "not open" answers come back as FieldErrors on the
// Outcome; only failures to reach the service (or to persist the session) are
// reported as Outcome.Failure.
package joinflow

import (
	"context"
	"strings"
	"sync"

	"github.com/castaneai/monopolymoney/pkg/gameapi"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
	"go.uber.org/zap"
)

const (
	MsgGameIDRequired   = "please provide the game id"
	MsgNameRequired     = "please provide your name"
	MsgGameDoesNotExist = "that game does not exist"
	MsgGameNotOpen      = "that game is not open; ask the banker to open it"
)

// ErrSubmitInFlight is returned, and the request ignored, while another submission awaits the game service.
var ErrSubmitInFlight = errors.New("a submission is already in flight")

type Mode int

const (
	ModeJoin Mode = iota
	ModeCreate
)

func (m Mode) String() string {
	if m == ModeCreate {
		return "create"
	}
	return "join"
}

type State int

const (
	StateIdle State = iota
	StateSubmitting
)

func (s State) String() string {
	if s == StateSubmitting {
		return "Submitting"
	}
	return "Idle"
}

type Request struct {
	Mode   Mode
	GameID string
	Name   string
}

// FieldErrors holds at most one message per form field.
type FieldErrors struct {
	GameID string `json:"gameIdError,omitempty"`
	Name   string `json:"nameError,omitempty"`
}

func (f FieldErrors) Empty() bool {
	return f.GameID == "" && f.Name == ""
}

type Outcome struct {
	// Credentials is set when the request resolved to a game the device can enter.
	Credentials *gamesession.Credentials
	// Reused is true when Credentials came from an existing session without asking the service.
	Reused bool
	Fields FieldErrors
	// Failure is a retryable, non-field failure such as a *gameapi.TransportError.
	Failure error
}

func (o Outcome) Resolved() bool {
	return o.Credentials != nil
}

type Workflow struct {
	store      gamesession.Store
	remote     gameapi.Service
	logger     *zap.Logger
	submitting *abool.AtomicBool

	mu   sync.Mutex
	last Outcome
}

func New(store gamesession.Store, remote gameapi.Service, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		store:      store,
		remote:     remote,
		logger:     logger,
		submitting: abool.New(),
	}
}

func (w *Workflow) State() State {
	if w.submitting.IsSet() {
		return StateSubmitting
	}
	return StateIdle
}

// LastOutcome is the outcome of the most recent submission that was not ignored.
func (w *Workflow) LastOutcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Submit runs one create or join attempt. It blocks while the game service is
// consulted; concurrent calls made meanwhile return ErrSubmitInFlight.
func (w *Workflow) Submit(ctx context.Context, req Request) (Outcome, error) {
	if w.submitting.IsSet() {
		return Outcome{}, ErrSubmitInFlight
	}
	w.setLast(Outcome{})

	gameID := strings.TrimSpace(req.GameID)
	name := strings.TrimSpace(req.Name)

	if gameID != "" {
		if out, ok := w.reuseSession(ctx, gameID); ok {
			return w.finish(out), nil
		}
	}

	var out Outcome
	switch req.Mode {
	case ModeCreate:
		if name == "" {
			return w.finish(Outcome{Fields: FieldErrors{Name: MsgNameRequired}}), nil
		}
		if !w.submitting.SetToIf(false, true) {
			return Outcome{}, ErrSubmitInFlight
		}
		out = w.create(ctx, name)
	default:
		if gameID == "" {
			return w.finish(Outcome{Fields: FieldErrors{GameID: MsgGameIDRequired}}), nil
		}
		if name == "" {
			return w.finish(Outcome{Fields: FieldErrors{Name: MsgNameRequired}}), nil
		}
		if !w.submitting.SetToIf(false, true) {
			return Outcome{}, ErrSubmitInFlight
		}
		out = w.join(ctx, gameID, name)
	}
	return w.finish(out), nil
}

func (w *Workflow) reuseSession(ctx context.Context, gameID string) (Outcome, bool) {
	ss, err := w.store.Find(ctx, gameID)
	if errors.Is(err, gamesession.ErrSessionNotFound) {
		return Outcome{}, false
	}
	if err != nil {
		w.logger.Warn("failed to look up stored session", zap.String("game_id", gameID), zap.Error(err))
		return Outcome{}, false
	}
	if touched, err := w.store.Touch(ctx, gameID); err != nil {
		w.logger.Warn("failed to bump session access time", zap.String("game_id", gameID), zap.Error(err))
	} else {
		ss = touched
	}
	cred := ss.Credentials()
	w.logger.Debug("reusing stored session", zap.String("game_id", gameID))
	return Outcome{Credentials: &cred, Reused: true}, true
}

func (w *Workflow) create(ctx context.Context, name string) Outcome {
	defer w.submitting.UnSet()
	cred, err := w.remote.CreateGame(ctx, name)
	if err != nil {
		w.logger.Warn("failed to create game", zap.Error(err))
		return Outcome{Failure: err}
	}
	return w.record(ctx, cred)
}

func (w *Workflow) join(ctx context.Context, gameID, name string) Outcome {
	defer w.submitting.UnSet()
	res, err := w.remote.JoinGame(ctx, gameID, name)
	if err != nil {
		w.logger.Warn("failed to join game", zap.String("game_id", gameID), zap.Error(err))
		return Outcome{Failure: err}
	}
	switch res.Outcome {
	case gameapi.Joined:
		return w.record(ctx, &res.Credentials)
	case gameapi.DoesNotExist:
		return Outcome{Fields: FieldErrors{GameID: MsgGameDoesNotExist}}
	case gameapi.NotOpen:
		return Outcome{Fields: FieldErrors{GameID: MsgGameNotOpen}}
	}
	return Outcome{Failure: errors.Errorf("unknown join outcome: %s", res.Outcome)}
}

// record stores credentials the service has already issued. The write ignores
// cancellation of ctx: they cannot be obtained again once the caller gives up.
func (w *Workflow) record(ctx context.Context, cred *gamesession.Credentials) Outcome {
	ss, err := w.store.Upsert(context.WithoutCancel(ctx), cred.GameID, cred.UserToken, cred.PlayerID)
	if errors.Is(err, gamesession.ErrInvariantViolation) {
		w.logger.Error("game service returned new credentials for a stored game",
			zap.String("game_id", cred.GameID), zap.Error(err))
		return Outcome{Failure: err}
	}
	if err != nil {
		return Outcome{Failure: errors.Wrap(err, "failed to record session")}
	}
	stored := ss.Credentials()
	w.logger.Info("entered game", zap.String("game_id", stored.GameID), zap.String("player_id", stored.PlayerID))
	return Outcome{Credentials: &stored}
}

func (w *Workflow) finish(out Outcome) Outcome {
	w.setLast(out)
	return out
}

func (w *Workflow) setLast(out Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = out
}
