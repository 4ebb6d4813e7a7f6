package joinflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castaneai/monopolymoney/pkg/devicestorage"
	"github.com/castaneai/monopolymoney/pkg/gameapi"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/castaneai/monopolymoney/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockRemote struct {
	createFunc  func(ctx context.Context, name string) (*gamesession.Credentials, error)
	joinFunc    func(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error)
	createCalls int32
	joinCalls   int32
}

func (m *mockRemote) CreateGame(ctx context.Context, name string) (*gamesession.Credentials, error) {
	atomic.AddInt32(&m.createCalls, 1)
	if m.createFunc != nil {
		return m.createFunc(ctx, name)
	}
	return &gamesession.Credentials{GameID: "100001", UserToken: "token-new", PlayerID: "player-new"}, nil
}

func (m *mockRemote) JoinGame(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error) {
	atomic.AddInt32(&m.joinCalls, 1)
	if m.joinFunc != nil {
		return m.joinFunc(ctx, gameID, name)
	}
	return &gameapi.JoinResult{
		Outcome:     gameapi.Joined,
		Credentials: gamesession.Credentials{GameID: gameID, UserToken: "token-" + gameID, PlayerID: "player-" + name},
	}, nil
}

func (m *mockRemote) calls() int {
	return int(atomic.LoadInt32(&m.createCalls) + atomic.LoadInt32(&m.joinCalls))
}

func newTestWorkflow(t *testing.T, remote gameapi.Service) (*Workflow, *gamesession.Registry, *devicestorage.InMemoryBlob) {
	t.Helper()
	blob := devicestorage.NewInMemoryBlob(nil)
	store := gamesession.NewRegistry(context.Background(), blob)
	return New(store, remote, zap.NewNop()), store, blob
}

func TestStoredGameShortCircuits(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	wf, store, _ := newTestWorkflow(t, remote)
	_, err := store.Upsert(ctx, "123456", "token-1", "player-1")
	require.NoError(t, err)

	for _, mode := range []Mode{ModeJoin, ModeCreate} {
		out, err := wf.Submit(ctx, Request{Mode: mode, GameID: "123456"})
		require.NoError(t, err)
		require.True(t, out.Resolved(), mode.String())
		assert.True(t, out.Reused)
		assert.True(t, out.Fields.Empty())
		assert.Equal(t, gamesession.Credentials{GameID: "123456", UserToken: "token-1", PlayerID: "player-1"}, *out.Credentials)
	}
	assert.Equal(t, 0, remote.calls())
}

func TestShortCircuitBumpsRecency(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2020, 12, 24, 10, 0, 0, 0, time.UTC)
	store := gamesession.NewRegistry(ctx, devicestorage.NewInMemoryBlob(nil), gamesession.WithClock(func() time.Time { return now }))
	wf := New(store, &mockRemote{}, nil)
	_, err := store.Upsert(ctx, "111111", "token-a", "player-a")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = store.Upsert(ctx, "222222", "token-b", "player-b")
	require.NoError(t, err)
	now = now.Add(time.Minute)

	_, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "111111"})
	require.NoError(t, err)
	sessions, err := store.List(ctx)
	require.NoError(t, err)
	gamesession.SortByRecent(sessions)
	assert.Equal(t, "111111", sessions[0].GameID)
}

func TestJoinValidationOrder(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	wf, _, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeJoin})
	require.NoError(t, err)
	assert.Equal(t, FieldErrors{GameID: MsgGameIDRequired}, out.Fields)
	assert.False(t, out.Resolved())

	out, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456", Name: "   "})
	require.NoError(t, err)
	assert.Equal(t, FieldErrors{Name: MsgNameRequired}, out.Fields)
	assert.Equal(t, out, wf.LastOutcome())

	assert.Equal(t, 0, remote.calls())
	assert.Equal(t, StateIdle, wf.State())
}

func TestCreateRequiresName(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	wf, _, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeCreate})
	require.NoError(t, err)
	assert.Equal(t, FieldErrors{Name: MsgNameRequired}, out.Fields)
	assert.Equal(t, 0, remote.calls())
}

func TestCreateRecordsSession(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	wf, store, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Banker Bob"})
	require.NoError(t, err)
	require.True(t, out.Resolved())
	assert.False(t, out.Reused)
	assert.Equal(t, "100001", out.Credentials.GameID)

	ss, err := store.Find(ctx, "100001")
	require.NoError(t, err)
	assert.Equal(t, *out.Credentials, ss.Credentials())
}

func TestJoinRecordsSession(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	wf, store, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: " 654321 ", Name: "Alice"})
	require.NoError(t, err)
	require.True(t, out.Resolved())
	assert.Equal(t, "654321", out.Credentials.GameID)
	_, err = store.Find(ctx, "654321")
	assert.NoError(t, err)
	assert.Equal(t, 1, remote.calls())
}

func TestSemanticRejections(t *testing.T) {
	cases := []struct {
		outcome gameapi.JoinOutcome
		message string
	}{
		{outcome: gameapi.DoesNotExist, message: MsgGameDoesNotExist},
		{outcome: gameapi.NotOpen, message: MsgGameNotOpen},
	}
	for _, tc := range cases {
		t.Run(tc.outcome.String(), func(t *testing.T) {
			ctx := context.Background()
			remote := &mockRemote{joinFunc: func(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error) {
				return &gameapi.JoinResult{Outcome: tc.outcome}, nil
			}}
			wf, store, blob := newTestWorkflow(t, remote)

			out, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456", Name: "Alice"})
			require.NoError(t, err)
			assert.Equal(t, FieldErrors{GameID: tc.message}, out.Fields)
			assert.NoError(t, out.Failure)
			assert.Equal(t, StateIdle, wf.State())

			sessions, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, sessions)
			assert.Equal(t, 0, blob.Writes())
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	transportErr := &gameapi.TransportError{Op: "join game", Err: errors.New("connection refused")}
	fail := true
	remote := &mockRemote{joinFunc: func(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error) {
		if fail {
			return nil, transportErr
		}
		return &gameapi.JoinResult{Outcome: gameapi.Joined, Credentials: gamesession.Credentials{GameID: gameID, UserToken: "t", PlayerID: "p"}}, nil
	}}
	wf, _, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456", Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, transportErr, out.Failure)
	assert.True(t, out.Fields.Empty())
	assert.Equal(t, StateIdle, wf.State())

	fail = false
	out, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456", Name: "Alice"})
	require.NoError(t, err)
	assert.True(t, out.Resolved())
}

func TestNewAttemptClearsPreviousErrors(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{joinFunc: func(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error) {
		return &gameapi.JoinResult{Outcome: gameapi.DoesNotExist}, nil
	}}
	wf, _, _ := newTestWorkflow(t, remote)

	out, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456", Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, MsgGameDoesNotExist, out.Fields.GameID)

	out, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "123456"})
	require.NoError(t, err)
	assert.Equal(t, FieldErrors{Name: MsgNameRequired}, out.Fields)
}

func TestSingleSubmissionInFlight(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &mockRemote{createFunc: func(ctx context.Context, name string) (*gamesession.Credentials, error) {
		close(entered)
		<-release
		return &gamesession.Credentials{GameID: "100001", UserToken: "token", PlayerID: "player"}, nil
	}}
	wf, _, _ := newTestWorkflow(t, remote)

	var wg sync.WaitGroup
	var first Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Bob"})
		assert.NoError(t, err)
		first = out
	}()
	<-entered
	assert.Equal(t, StateSubmitting, wf.State())

	_, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Bob"})
	assert.Equal(t, ErrSubmitInFlight, err)
	_, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: "100001", Name: "Bob"})
	assert.Equal(t, ErrSubmitInFlight, err)

	close(release)
	wg.Wait()
	assert.True(t, first.Resolved())
	assert.Equal(t, 1, remote.calls())
	assert.Equal(t, StateIdle, wf.State())
}

func TestGuardReleasedAfterError(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{createFunc: func(ctx context.Context, name string) (*gamesession.Credentials, error) {
		return nil, &gameapi.TransportError{Op: "create game", Err: errors.New("boom")}
	}}
	wf, _, _ := newTestWorkflow(t, remote)
	for i := 0; i < 3; i++ {
		out, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Bob"})
		require.NoError(t, err)
		assert.Error(t, out.Failure)
	}
	assert.Equal(t, 3, remote.calls())
}

func TestInvariantViolationIsLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.ErrorLevel)
	remote := &mockRemote{createFunc: func(ctx context.Context, name string) (*gamesession.Credentials, error) {
		return &gamesession.Credentials{GameID: "123456", UserToken: "other-token", PlayerID: "other-player"}, nil
	}}
	store := gamesession.NewRegistry(ctx, devicestorage.NewInMemoryBlob(nil))
	_, err := store.Upsert(ctx, "123456", "token-1", "player-1")
	require.NoError(t, err)
	wf := New(store, remote, zap.New(core))

	out, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Bob"})
	require.NoError(t, err)
	assert.False(t, out.Resolved())
	assert.True(t, errors.Is(out.Failure, gamesession.ErrInvariantViolation))
	assert.Equal(t, 1, logs.Len())

	ss, err := store.Find(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "token-1", ss.UserToken)
}

func TestPersistFailureIsReported(t *testing.T) {
	ctx := context.Background()
	wf, store, blob := newTestWorkflow(t, &mockRemote{})
	blob.FailWrites(errors.New("disk full"))

	out, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Bob"})
	require.NoError(t, err)
	assert.False(t, out.Resolved())
	assert.Error(t, out.Failure)
	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAgainstFakeGameService(t *testing.T) {
	ctx := context.Background()
	fake, hs := testutils.StartFakeGameServer(t)
	wf, store, _ := newTestWorkflow(t, gameapi.NewClient(hs.URL))

	created, err := wf.Submit(ctx, Request{Mode: ModeCreate, Name: "Banker Bob"})
	require.NoError(t, err)
	require.True(t, created.Resolved())

	closed := fake.AddGame(false, "Carol")
	out, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: closed.GameID, Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, MsgGameNotOpen, out.Fields.GameID)

	fake.SetOpen(closed.GameID, true)
	out, err = wf.Submit(ctx, Request{Mode: ModeJoin, GameID: closed.GameID, Name: "Alice"})
	require.NoError(t, err)
	require.True(t, out.Resolved())

	// joining again reuses the stored session instead of adding a second player
	again, err := wf.Submit(ctx, Request{Mode: ModeJoin, GameID: closed.GameID})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, out.Credentials, again.Credentials)
	assert.Equal(t, 2, fake.JoinCalls())

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestCallerCancelAfterRemoteSuccessKeepsSession(t *testing.T) {
	cases := []struct {
		name   string
		mode   Mode
		remote func(cancel context.CancelFunc) *mockRemote
	}{
		{
			name: "join",
			mode: ModeJoin,
			remote: func(cancel context.CancelFunc) *mockRemote {
				return &mockRemote{joinFunc: func(ctx context.Context, gameID, name string) (*gameapi.JoinResult, error) {
					cancel()
					return &gameapi.JoinResult{
						Outcome:     gameapi.Joined,
						Credentials: gamesession.Credentials{GameID: gameID, UserToken: "token-1", PlayerID: "player-1"},
					}, nil
				}}
			},
		},
		{
			name: "create",
			mode: ModeCreate,
			remote: func(cancel context.CancelFunc) *mockRemote {
				return &mockRemote{createFunc: func(ctx context.Context, name string) (*gamesession.Credentials, error) {
					cancel()
					return &gamesession.Credentials{GameID: "123456", UserToken: "token-1", PlayerID: "player-1"}, nil
				}}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			path := filepath.Join(t.TempDir(), "registry.json")
			blob, err := devicestorage.NewFileBlob(path)
			require.NoError(t, err)
			store := gamesession.NewRegistry(context.Background(), blob)
			wf := New(store, tc.remote(cancel), nil)

			out, err := wf.Submit(ctx, Request{Mode: tc.mode, GameID: "123456", Name: "Alice"})
			require.NoError(t, err)
			require.NoError(t, out.Failure)
			require.True(t, out.Resolved())

			reloaded := gamesession.NewRegistry(context.Background(), blob)
			ss, err := reloaded.Find(context.Background(), "123456")
			require.NoError(t, err)
			assert.Equal(t, "token-1", ss.UserToken)
			assert.Equal(t, "player-1", ss.PlayerID)
		})
	}
}
