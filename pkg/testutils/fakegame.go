// Package testutils provides an in-process fake of the remote game service.
package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const startingBalance = 1500

type fakeGame struct {
	id          string
	open        bool
	players     []gamesession.PlayerSummary
	tokens      map[string]string
	freeParking *int64
}

func (g *fakeGame) status() gamesession.GameStatus {
	st := gamesession.GameStatus{Players: append([]gamesession.PlayerSummary(nil), g.players...)}
	if g.freeParking != nil {
		fp := *g.freeParking
		st.FreeParkingBalance = &fp
	}
	return st
}

// FakeGameService mimics the game service HTTP and websocket API in memory.
type FakeGameService struct {
	games       map[string]*fakeGame
	nextID      int
	subscribers map[string]map[chan gamesession.GameStatus]struct{}
	failWith    int
	requestIDs  []string
	mu          sync.Mutex

	createCalls int32
	joinCalls   int32
	statusCalls int32
}

func NewFakeGameService() *FakeGameService {
	return &FakeGameService{
		games:       make(map[string]*fakeGame),
		nextID:      100000,
		subscribers: make(map[string]map[chan gamesession.GameStatus]struct{}),
	}
}

// StartFakeGameServer serves a new FakeGameService until the test ends.
func StartFakeGameServer(t *testing.T) (*FakeGameService, *httptest.Server) {
	t.Helper()
	f := NewFakeGameService()
	hs := httptest.NewServer(f.Handler())
	t.Cleanup(hs.Close)
	return f, hs
}

func (f *FakeGameService) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(f.recordRequest)
	r.Post("/api/game", f.handleCreate)
	r.Post("/api/game/{gameID}", f.handleJoin)
	r.Get("/api/game/{gameID}", f.handleStatus)
	r.Handle("/api/ws", websocket.Handler(f.serveStream))
	return r
}

func (f *FakeGameService) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.requestIDs = append(f.requestIDs, req.Header.Get("X-Request-Id"))
		failWith := f.failWith
		f.mu.Unlock()
		if failWith != 0 && req.URL.Path != "/api/ws" {
			http.Error(w, "fake failure", failWith)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// AddGame registers a game with a single banker player and returns its id and the banker's credentials.
func (f *FakeGameService) AddGame(open bool, bankerName string) gamesession.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.newGameLocked()
	g.open = open
	return f.addPlayerLocked(g, bankerName, true)
}

func (f *FakeGameService) SetOpen(gameID string, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.games[gameID]; ok {
		g.open = open
	}
}

// SetBalance changes a player's balance and pushes the new status to stream subscribers.
func (f *FakeGameService) SetBalance(gameID, playerID string, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[gameID]
	if !ok {
		return
	}
	for i := range g.players {
		if g.players[i].PlayerID == playerID {
			g.players[i].Balance = balance
		}
	}
	st := g.status()
	for ch := range f.subscribers[gameID] {
		select {
		case ch <- st:
		default:
		}
	}
}

// FailWith makes every HTTP request fail with code. Zero disables the failure.
func (f *FakeGameService) FailWith(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = code
}

func (f *FakeGameService) CreateCalls() int { return int(atomic.LoadInt32(&f.createCalls)) }
func (f *FakeGameService) JoinCalls() int   { return int(atomic.LoadInt32(&f.joinCalls)) }
func (f *FakeGameService) StatusCalls() int { return int(atomic.LoadInt32(&f.statusCalls)) }

func (f *FakeGameService) RequestIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requestIDs...)
}

func (f *FakeGameService) Status(gameID string) (gamesession.GameStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[gameID]
	if !ok {
		return gamesession.GameStatus{}, false
	}
	return g.status(), true
}

func (f *FakeGameService) newGameLocked() *fakeGame {
	f.nextID++
	fp := int64(0)
	g := &fakeGame{
		id:          fmt.Sprintf("%06d", f.nextID),
		open:        true,
		tokens:      make(map[string]string),
		freeParking: &fp,
	}
	f.games[g.id] = g
	return g
}

func (f *FakeGameService) addPlayerLocked(g *fakeGame, name string, banker bool) gamesession.Credentials {
	cred := gamesession.Credentials{
		GameID:    g.id,
		UserToken: uuid.NewString(),
		PlayerID:  uuid.NewString(),
	}
	g.tokens[cred.UserToken] = cred.PlayerID
	g.players = append(g.players, gamesession.PlayerSummary{
		PlayerID: cred.PlayerID,
		Name:     name,
		Balance:  startingBalance,
		Banker:   banker,
	})
	return cred
}

type nameRequest struct {
	Name string `json:"name"`
}

func decodeName(req *http.Request) (string, bool) {
	var body nameRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return "", false
	}
	name := strings.TrimSpace(body.Name)
	return name, name != ""
}

func (f *FakeGameService) handleCreate(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt32(&f.createCalls, 1)
	name, ok := decodeName(req)
	if !ok {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	g := f.newGameLocked()
	cred := f.addPlayerLocked(g, name, true)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, &cred)
}

func (f *FakeGameService) handleJoin(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt32(&f.joinCalls, 1)
	name, ok := decodeName(req)
	if !ok {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[chi.URLParam(req, "gameID")]
	if !ok {
		http.Error(w, "DoesNotExist", http.StatusNotFound)
		return
	}
	if !g.open {
		http.Error(w, "NotOpen", http.StatusLocked)
		return
	}
	cred := f.addPlayerLocked(g, name, false)
	writeJSON(w, http.StatusOK, &cred)
}

func (f *FakeGameService) handleStatus(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt32(&f.statusCalls, 1)
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[chi.URLParam(req, "gameID")]
	if !ok {
		http.Error(w, "DoesNotExist", http.StatusNotFound)
		return
	}
	if _, ok := g.tokens[token]; !ok {
		http.Error(w, "invalid user token", http.StatusUnauthorized)
		return
	}
	st := g.status()
	writeJSON(w, http.StatusOK, &st)
}

type subscribeMessage struct {
	Type      string `json:"type"`
	GameID    string `json:"gameId"`
	UserToken string `json:"userToken"`
}

type streamMessage struct {
	Type    string                  `json:"type"`
	Status  *gamesession.GameStatus `json:"status,omitempty"`
	Message string                  `json:"message,omitempty"`
}

func (f *FakeGameService) serveStream(ws *websocket.Conn) {
	defer ws.Close()
	var sub subscribeMessage
	if err := websocket.JSON.Receive(ws, &sub); err != nil {
		return
	}
	ch := make(chan gamesession.GameStatus, 16)
	f.mu.Lock()
	g, ok := f.games[sub.GameID]
	if ok {
		_, ok = g.tokens[sub.UserToken]
	}
	if !ok {
		f.mu.Unlock()
		_ = websocket.JSON.Send(ws, &streamMessage{Type: "error", Message: "invalid game or user token"})
		return
	}
	if f.subscribers[sub.GameID] == nil {
		f.subscribers[sub.GameID] = make(map[chan gamesession.GameStatus]struct{})
	}
	f.subscribers[sub.GameID][ch] = struct{}{}
	initial := g.status()
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subscribers[sub.GameID], ch)
		f.mu.Unlock()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard json.RawMessage
		for {
			if err := websocket.JSON.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	if err := websocket.JSON.Send(ws, &streamMessage{Type: "ping"}); err != nil {
		return
	}
	if err := websocket.JSON.Send(ws, &streamMessage{Type: "status", Status: &initial}); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case st := <-ch:
			if err := websocket.JSON.Send(ws, &streamMessage{Type: "status", Status: &st}); err != nil {
				return
			}
		}
	}
}

// Subscribers reports how many status streams are open for a game.
func (f *FakeGameService) Subscribers(gameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers[gameID])
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
