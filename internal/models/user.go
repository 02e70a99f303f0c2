package models

// TimeLayout is the timestamp format stored in account records.
const TimeLayout = "2006-01-02 15:04:05"

// User is one entry of the Users collection, keyed by Username.
type User struct {
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	LastLogin        string   `json:"last_login"`
	LastLoginAddress string   `json:"last_login_address"`
	Friends          []string `json:"friends"`
	FriendRequests   []string `json:"friend_requests"`

	Lifetime          int     `json:"lifetime"` // minutes logged in, all sessions
	AccountLevel      int     `json:"account_level"`
	AccountExperience int     `json:"account_experience"`
	Playtime          float64 `json:"playtime"` // minutes spent in rounds
	GamesPlayed       int     `json:"games_played"`
	GamesWon          int     `json:"games_won"`
}
