package models

// RoundResult is what a finished round adds to one player's account.
type RoundResult struct {
	Won             bool
	PlaytimeMinutes float64
	Experience      int
}
