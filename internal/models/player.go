package models

import "encoding/json"

// Move is a correct placement made during a round.
type Move struct {
	Row   int `json:"row"`
	Col   int `json:"col"`
	Value int `json:"value"`
}

// PlayerData is the per-round record of one player.
type PlayerData struct {
	Color            Color   `json:"color"`
	Score            float64 `json:"score"`
	MistakeCount     int     `json:"mistakeCount"`
	MoveList         []Move  `json:"moveList"`
	EarnedExperience int     `json:"earnedExperience"`
	PlaytimeMinutes  float64 `json:"playtimeMinutes"`
	Eliminated       bool    `json:"eliminated"`
}

func marshalPair(name string, score float64) ([]byte, error) {
	return json.Marshal([]any{name, score})
}
