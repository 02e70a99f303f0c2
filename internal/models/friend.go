package models

// Presence values reported in a FriendInfo.
const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)

// FriendInfo is the public projection of a friend's account.
type FriendInfo struct {
	Username      string  `json:"Username"`
	Status        string  `json:"Status"`
	LastLogin     string  `json:"Last_Login"`
	AccountLevel  int     `json:"Account_Level"`
	LevelProgress float64 `json:"Level_Progress"` // fraction of the way to the next level
	GamesPlayed   int     `json:"Games_Played"`
	GamesWon      int     `json:"Games_Won"`
	Playtime      float64 `json:"Playtime"`
}

// FriendList is returned on login/register: accepted friends plus pending incoming requests.
type FriendList struct {
	Friends  []FriendInfo `json:"Friends"`
	Requests []string     `json:"Requests"`
}
