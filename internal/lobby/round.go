// internal/lobby/round.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/cache"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("a round is already running")
	ErrNotRunning     = errors.New("no round is running")
	ErrNotPlaying     = errors.New("user is not playing this round")
	ErrInvalidMove    = errors.New("move is out of range")
	ErrCellFilled     = errors.New("cell is already filled")
	ErrNoPlayers      = errors.New("lobby has no players")
)

// Reasons a round ends, reported in Game_Over.
const (
	EndCompleted   = "completed"
	EndTimeUp      = "time_up"
	EndNoPlayers   = "no_players"
	EndLobbyClosed = "lobby_closed"
)

// round is the state of one timed competition inside a lobby.
type round struct {
	id            uuid.UUID
	state         State
	solution      puzzle.Grid
	board         puzzle.Grid
	emptyCells    int
	players       map[string]*models.PlayerData
	startTime     time.Time
	endTime       time.Time
	leaderboard   []models.LeaderboardEntry
	winner        string
	finishedFirst string
	actionIndex   int
	stop          chan struct{}
}

// StartInfo is returned to the owner when a round starts.
type StartInfo struct {
	Board       puzzle.Grid
	EndingTime  string
	Leaderboard []models.LeaderboardEntry
}

// MoveResult describes the outcome of one move for the player who made it.
type MoveResult struct {
	Correct    bool
	Score      float64
	Mistakes   int
	Experience int
	Eliminated bool
}

// Snapshot is a member's view of the lobby, used by Get_Lobby.
type Snapshot struct {
	Info        models.LobbyInfo
	Role        models.Role
	State       State
	Board       *puzzle.Grid
	Leaderboard []models.LeaderboardEntry
	Winner      string
}

type playerResult struct {
	username string
	result   models.RoundResult
}

// Start begins a new round on behalf of the owner. difficulty may be empty.
func (lobby *Lobby) Start(by Member, difficulty string) (*StartInfo, error) {
	lobby.Mu.Lock()
	var out outbox
	info, err := lobby.startUnsafe(by, difficulty, &out)
	lobby.release(out)
	return info, err
}

func (lobby *Lobby) startUnsafe(by Member, difficulty string, out *outbox) (*StartInfo, error) {
	if lobby.closed {
		return nil, ErrLobbyClosed
	}
	if by != lobby.owner {
		return nil, ErrNotOwner
	}
	if lobby.round != nil && lobby.round.state == StateRunning {
		return nil, ErrAlreadyRunning
	}
	if len(lobby.players) == 0 {
		return nil, ErrNoPlayers
	}
	if difficulty == "" {
		difficulty = lobby.cfg.Difficulty
	}

	solution, board, err := lobby.provider.Generate(difficulty)
	if err != nil {
		return nil, fmt.Errorf("generate puzzle: %w", err)
	}
	empty := puzzle.EmptyCellCount(board)
	if empty == 0 {
		return nil, fmt.Errorf("generate puzzle: board has no empty cells")
	}

	now := lobby.now()
	r := &round{
		id:         newRoundID(),
		state:      StateRunning,
		solution:   solution,
		board:      board,
		emptyCells: empty,
		players:    make(map[string]*models.PlayerData, len(lobby.players)),
		startTime:  now,
		endTime:    now.Add(lobby.cfg.RoundDuration),
		stop:       make(chan struct{}),
	}
	colors := make(map[string]models.Color, len(lobby.players))
	for i, p := range lobby.players {
		r.players[p.Username()] = &models.PlayerData{
			Color:    lobby.palette[i%len(lobby.palette)],
			MoveList: []models.Move{},
		}
		colors[p.Username()] = lobby.palette[i%len(lobby.palette)]
	}
	r.leaderboard = leaderboardOf(r.players)
	lobby.round = r

	endingTime := r.endTime.Format(models.TimeLayout)
	out.broadcast(lobby.membersUnsafe(), UpdateGameStarted, map[string]any{
		"Board":       board,
		"Ending_Time": endingTime,
		"Leaderboard": slices.Clone(r.leaderboard),
		"Colors":      colors,
	}, by)

	lobby.logActionUnsafe(by.Username(), cache.ActionRoundStart, map[string]any{
		"difficulty":  difficulty,
		"empty_cells": empty,
		"players":     usernames(lobby.players),
	})
	log.WithFields(log.Fields{"lobby": lobby.Code, "round": r.id}).
		Infof("Round started with %d players, %d empty cells", len(r.players), empty)

	go lobby.watchRound(r)

	return &StartInfo{
		Board:       board,
		EndingTime:  endingTime,
		Leaderboard: slices.Clone(r.leaderboard),
	}, nil
}

// ApplyMove checks value against the hidden solution at (row, col) for player m.
// A wrong value counts as a mistake; the MaxMistakes-th mistake demotes m to
// spectator for the rest of the round.
func (lobby *Lobby) ApplyMove(m Member, row, col, value int) (MoveResult, error) {
	lobby.Mu.Lock()
	var out outbox
	res, err := lobby.applyMoveUnsafe(m, row, col, value, &out)
	lobby.release(out)
	return res, err
}

func (lobby *Lobby) applyMoveUnsafe(m Member, row, col, value int, out *outbox) (MoveResult, error) {
	r := lobby.round
	if r == nil || r.state != StateRunning {
		return MoveResult{}, ErrNotRunning
	}
	name := m.Username()
	pd := r.players[name]
	if pd == nil || pd.Eliminated || lobby.roleOfUnsafe(m) != models.RolePlayer {
		return MoveResult{}, ErrNotPlaying
	}
	if row < 0 || row >= puzzle.Size || col < 0 || col >= puzzle.Size || value < 1 || value > puzzle.Size {
		return MoveResult{}, ErrInvalidMove
	}
	if !r.board.IsEmpty(row, col) {
		return MoveResult{}, ErrCellFilled
	}
	// A solved cell only counts once, but a wrong value on it is still a mistake.
	correct := r.solution[row][col] == value
	if correct && slices.ContainsFunc(pd.MoveList, func(mv models.Move) bool {
		return mv.Row == row && mv.Col == col
	}) {
		return MoveResult{}, ErrCellFilled
	}

	var res MoveResult
	move := map[string]any{"row": row, "col": col, "value": value}
	if !correct {
		pd.MistakeCount++
		pd.Score = scoreOf(pd, r.emptyCells)
		lobby.logActionUnsafe(name, cache.ActionMistake, move)

		if pd.MistakeCount >= MaxMistakes {
			pd.Eliminated = true
			res.Eliminated = true
			if m != lobby.owner {
				lobby.players = slices.DeleteFunc(lobby.players, func(x Member) bool { return x == m })
				lobby.spectators = append(lobby.spectators, m)
				m.SetLobby(lobby.Code, models.RoleSpectator)
				out.broadcast(lobby.membersUnsafe(), UpdateBecomeSpectator, map[string]any{"Username": name}, m)
			}
			r.leaderboard = leaderboardOf(r.players)
			out.send(m, UpdateGameFinished, map[string]any{
				"Leaderboard": slices.Clone(r.leaderboard),
				"Reason":      "Too many mistakes",
			})
			lobby.logActionUnsafe(name, cache.ActionEliminated, nil)
			log.WithField("lobby", lobby.Code).Infof("%s eliminated after %d mistakes", name, pd.MistakeCount)
		}
	} else {
		pd.MoveList = append(pd.MoveList, models.Move{Row: row, Col: col, Value: value})
		secs := math.Max(1, lobby.now().Sub(r.startTime).Seconds())
		exp := int(math.Round(BaseExp / secs))
		pd.EarnedExperience += exp
		pd.Score = scoreOf(pd, r.emptyCells)
		res.Correct = true
		res.Experience = exp
		if len(pd.MoveList) == r.emptyCells && r.finishedFirst == "" {
			r.finishedFirst = name
		}
		lobby.logActionUnsafe(name, cache.ActionMove, move)
	}
	res.Score = pd.Score
	res.Mistakes = pd.MistakeCount

	r.leaderboard = leaderboardOf(r.players)
	out.broadcast(lobby.membersUnsafe(), UpdateLeaderboard, map[string]any{
		"Leaderboard": slices.Clone(r.leaderboard),
	}, nil)
	return res, nil
}

// scoreOf is (moves/size)*100 - (mistakes/size)*50, rounded to two decimals.
func scoreOf(pd *models.PlayerData, size int) float64 {
	moves := float64(len(pd.MoveList)) / float64(size) * 100
	mistakes := float64(pd.MistakeCount) / float64(size) * 50
	return math.Round((moves-mistakes)*100) / 100
}

// leaderboardOf orders players by score, highest first, ties broken by username.
func leaderboardOf(players map[string]*models.PlayerData) []models.LeaderboardEntry {
	board := make([]models.LeaderboardEntry, 0, len(players))
	for name, pd := range players {
		board = append(board, models.LeaderboardEntry{Username: name, Score: pd.Score})
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].Score != board[j].Score {
			return board[i].Score > board[j].Score
		}
		return board[i].Username < board[j].Username
	})
	return board
}

// SelectWinner picks the round winner from a snapshot of player data: whoever
// completed the board first, otherwise the top of the leaderboard.
func SelectWinner(players map[string]*models.PlayerData, finishedFirst string) (string, []models.LeaderboardEntry) {
	board := leaderboardOf(players)
	if finishedFirst != "" {
		if _, ok := players[finishedFirst]; ok {
			return finishedFirst, board
		}
	}
	if len(board) == 0 {
		return "", board
	}
	return board[0].Username, board
}

// watchRound polls for the end conditions of r and ends it when one holds.
func (lobby *Lobby) watchRound(r *round) {
	ticker := time.NewTicker(lobby.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		lobby.Mu.Lock()
		if lobby.round != r || r.state != StateRunning {
			lobby.Mu.Unlock()
			return
		}
		reason, over := lobby.roundOverUnsafe(r)
		if !over {
			lobby.Mu.Unlock()
			continue
		}
		var out outbox
		results := lobby.endRoundUnsafe(&out, reason)
		lobby.release(out)
		lobby.persist(results)
		return
	}
}

func (lobby *Lobby) roundOverUnsafe(r *round) (string, bool) {
	if r.finishedFirst != "" {
		return EndCompleted, true
	}
	if !lobby.now().Before(r.endTime) {
		return EndTimeUp, true
	}
	active := 0
	for _, p := range lobby.players {
		if pd := r.players[p.Username()]; pd != nil && !pd.Eliminated {
			active++
		}
	}
	if active < 1 {
		return EndNoPlayers, true
	}
	return "", false
}

// endRoundUnsafe finishes the running round, if any, and returns the per-player
// results that still have to be persisted.
func (lobby *Lobby) endRoundUnsafe(out *outbox, reason string) []playerResult {
	r := lobby.round
	if r == nil || r.state != StateRunning {
		return nil
	}
	r.state = StateFinished
	close(r.stop)

	winner, board := SelectWinner(r.players, r.finishedFirst)
	if pd := r.players[winner]; pd != nil {
		pd.EarnedExperience += WinBonus
	}
	r.winner = winner
	r.leaderboard = board

	elapsed := lobby.now().Sub(r.startTime)
	if elapsed > lobby.cfg.RoundDuration {
		elapsed = lobby.cfg.RoundDuration
	}
	minutes := math.Round(elapsed.Minutes()*100) / 100

	results := make([]playerResult, 0, len(r.players))
	for name, pd := range r.players {
		pd.PlaytimeMinutes = minutes
		results = append(results, playerResult{
			username: name,
			result: models.RoundResult{
				Won:             name == winner,
				PlaytimeMinutes: minutes,
				Experience:      pd.EarnedExperience,
			},
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].username < results[j].username })

	out.broadcast(lobby.membersUnsafe(), UpdateGameOver, map[string]any{
		"Winner":      winner,
		"Leaderboard": slices.Clone(board),
		"Reason":      reason,
	}, nil)
	lobby.logActionUnsafe(winner, cache.ActionRoundEnd, map[string]any{
		"winner":      winner,
		"reason":      reason,
		"leaderboard": slices.Clone(board),
	})
	log.WithFields(log.Fields{"lobby": lobby.Code, "round": r.id}).
		Infof("Round over (%s), winner %q", reason, winner)
	return results
}

// persist writes round results to the accounts, then fires OnRoundEnd.
func (lobby *Lobby) persist(results []playerResult) {
	if len(results) == 0 {
		return
	}
	if lobby.recorder != nil {
		for _, pr := range results {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := lobby.recorder.RecordRound(ctx, pr.username, pr.result)
			cancel()
			if err != nil {
				log.WithFields(log.Fields{"lobby": lobby.Code, "user": pr.username}).
					Errorf("failed to record round: %v", err)
			}
		}
	}
	if lobby.OnRoundEnd != nil {
		lobby.OnRoundEnd(lobby)
	}
}

// logActionUnsafe publishes a round action for the historian when Redis is configured.
func (lobby *Lobby) logActionUnsafe(actor, actionType string, payload map[string]any) {
	r := lobby.round
	if r == nil || !cache.Enabled() {
		return
	}
	record := cache.RoundActionRecord{
		RoundID:       r.id,
		LobbyCode:     lobby.Code,
		ActionIndex:   r.actionIndex,
		Actor:         actor,
		ActionType:    actionType,
		ActionPayload: payload,
		Timestamp:     lobby.now().UnixMilli(),
	}
	r.actionIndex++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cache.PublishRoundAction(ctx, record); err != nil {
			log.WithField("lobby", lobby.Code).Warnf("publish round action: %v", err)
		}
	}()
}

// Snapshot returns m's view of the lobby.
func (lobby *Lobby) Snapshot(m Member) Snapshot {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	snap := Snapshot{
		Info:  lobby.infoUnsafe(),
		Role:  lobby.roleOfUnsafe(m),
		State: StateOpen,
	}
	if r := lobby.round; r != nil {
		snap.State = r.state
		snap.Leaderboard = slices.Clone(r.leaderboard)
		snap.Winner = r.winner
		if r.state == StateRunning {
			board := r.board
			snap.Board = &board
		}
	}
	return snap
}

// Leaderboard returns the current (or final) leaderboard.
func (lobby *Lobby) Leaderboard() []models.LeaderboardEntry {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	if lobby.round == nil {
		return nil
	}
	return slices.Clone(lobby.round.leaderboard)
}

// PlayerData returns a copy of username's record for the current (or last) round.
func (lobby *Lobby) PlayerData(username string) (models.PlayerData, bool) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	if lobby.round == nil {
		return models.PlayerData{}, false
	}
	pd, ok := lobby.round.players[username]
	if !ok {
		return models.PlayerData{}, false
	}
	cp := *pd
	cp.MoveList = slices.Clone(pd.MoveList)
	return cp, true
}

// Winner returns the winner of the last finished round.
func (lobby *Lobby) Winner() string {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	if lobby.round == nil {
		return ""
	}
	return lobby.round.winner
}

// EndRound ends the running round immediately.
func (lobby *Lobby) EndRound(reason string) error {
	lobby.Mu.Lock()
	if lobby.round == nil || lobby.round.state != StateRunning {
		lobby.Mu.Unlock()
		return ErrNotRunning
	}
	var out outbox
	results := lobby.endRoundUnsafe(&out, reason)
	lobby.release(out)
	lobby.persist(results)
	return nil
}
