package gamesession

import "time"

// Session proves this device's membership in one remote game.
// UserToken and PlayerID never change once the session exists.
type Session struct {
	GameID     string      `json:"gameId" yaml:"gameId"`
	UserToken  string      `json:"userToken" yaml:"userToken"`
	PlayerID   string      `json:"playerId" yaml:"playerId"`
	LastAccess time.Time   `json:"time" yaml:"lastAccess"`
	Status     *GameStatus `json:"status" yaml:"status,omitempty"`
}

func (s *Session) Credentials() Credentials {
	return Credentials{GameID: s.GameID, UserToken: s.UserToken, PlayerID: s.PlayerID}
}

// Credentials is what the live game view needs to enter a game.
type Credentials struct {
	GameID    string `json:"gameId" yaml:"gameId"`
	UserToken string `json:"userToken" yaml:"userToken"`
	PlayerID  string `json:"playerId" yaml:"playerId"`
}

func (c Credentials) Valid() bool {
	return c.GameID != "" && c.UserToken != "" && c.PlayerID != ""
}

// GameStatus is a snapshot of the remote game. It is advisory only and may be stale.
type GameStatus struct {
	Players []PlayerSummary `json:"players" yaml:"players"`
	// FreeParkingBalance is nil when the game has the free parking rule disabled.
	FreeParkingBalance *int64 `json:"freeParkingBalance" yaml:"freeParkingBalance,omitempty"`
}

type PlayerSummary struct {
	PlayerID string `json:"playerId" yaml:"playerId"`
	Name     string `json:"name" yaml:"name"`
	Balance  int64  `json:"balance" yaml:"balance"`
	Banker   bool   `json:"banker" yaml:"banker"`
}

// PlayersSelfFirst returns the players with playerID moved to the front,
// keeping everyone else in their original order.
func (st *GameStatus) PlayersSelfFirst(playerID string) []PlayerSummary {
	players := make([]PlayerSummary, 0, len(st.Players))
	for _, p := range st.Players {
		if p.PlayerID == playerID {
			players = append(players, p)
		}
	}
	for _, p := range st.Players {
		if p.PlayerID != playerID {
			players = append(players, p)
		}
	}
	return players
}
