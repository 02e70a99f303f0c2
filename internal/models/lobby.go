// internal/models/lobby.go
package models

// Role is a session's membership category inside a lobby. The owner is always a player.
type Role string

const (
	RoleNone      Role = ""
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Color is an RGB triple, serialized as [r,g,b].
type Color [3]uint8

// LobbyInfo is the public snapshot of a lobby sent to clients.
type LobbyInfo struct {
	Code          string   `json:"code"`
	Owner         string   `json:"owner"`
	Started       bool     `json:"started"`
	MaxPlayers    int      `json:"max_players"`
	Players       []string `json:"players"`
	Spectators    int      `json:"spectators"`
	PlayersColors []Color  `json:"players_colors"`
	EndingTime    string   `json:"ending_time,omitempty"`
}

// LeaderboardEntry serializes as a [username, score] pair.
type LeaderboardEntry struct {
	Username string
	Score    float64
}

func (e LeaderboardEntry) MarshalJSON() ([]byte, error) {
	return marshalPair(e.Username, e.Score)
}
