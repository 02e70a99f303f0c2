// internal/lobby/lobby_test.go
package lobby

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMember collects pushes instead of writing them to a socket.
type mockMember struct {
	name string

	mu     sync.Mutex
	pushes []string
	data   []any
	code   string
	role   models.Role
}

func newMockMember(name string) *mockMember { return &mockMember{name: name} }

func (m *mockMember) Username() string { return m.name }

func (m *mockMember) Push(update string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, update)
	m.data = append(m.data, data)
	return nil
}

func (m *mockMember) SetLobby(code string, role models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code, m.role = code, role
}

func (m *mockMember) received(update string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.pushes {
		if u == update {
			n++
		}
	}
	return n
}

func (m *mockMember) currentRole() models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// fixedProvider hands out a known solution with three holes.
type fixedProvider struct{}

var holes = [][2]int{{0, 0}, {0, 1}, {8, 8}}

func testSolution() puzzle.Grid {
	var g puzzle.Grid
	for r := 0; r < puzzle.Size; r++ {
		for c := 0; c < puzzle.Size; c++ {
			g[r][c] = (r*3+r/3+c)%9 + 1
		}
	}
	return g
}

func (fixedProvider) Generate(string) (puzzle.Grid, puzzle.Grid, error) {
	solution := testSolution()
	board := solution
	for _, h := range holes {
		board[h[0]][h[1]] = 0
	}
	return solution, board, nil
}

func wrongValue(row, col int) int { return testSolution()[row][col]%9 + 1 }

type mockRecorder struct {
	mu      sync.Mutex
	results map[string]models.RoundResult
}

func (r *mockRecorder) RecordRound(_ context.Context, username string, res models.RoundResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]models.RoundResult)
	}
	r.results[username] = res
	return nil
}

func (r *mockRecorder) get(username string) (models.RoundResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[username]
	return res, ok
}

var testConfig = Config{
	RoundDuration: time.Hour,
	PollInterval:  5 * time.Millisecond,
	Difficulty:    "easy",
}

func setupLobby(t *testing.T, others ...string) (*Lobby, *mockMember, []*mockMember, *mockRecorder) {
	t.Helper()
	rec := &mockRecorder{}
	owner := newMockMember("owner")
	lobby := New("123456", owner, fixedProvider{}, rec, testConfig)
	members := make([]*mockMember, len(others))
	for i, name := range others {
		members[i] = newMockMember(name)
		_, err := lobby.Register(members[i])
		require.NoError(t, err)
	}
	t.Cleanup(lobby.Close)
	return lobby, owner, members, rec
}

func TestRegisterFillsPlayersThenSpectators(t *testing.T) {
	names := make([]string, MaxPlayers)
	for i := range names {
		names[i] = fmt.Sprintf("user%d", i)
	}
	lobby, owner, members, _ := setupLobby(t, names...)

	for _, m := range members[:MaxPlayers-1] {
		assert.Equal(t, models.RolePlayer, lobby.RoleOf(m))
	}
	last := members[MaxPlayers-1]
	assert.Equal(t, models.RoleSpectator, lobby.RoleOf(last))
	assert.Equal(t, models.RoleSpectator, last.currentRole())

	info := lobby.Info()
	assert.Len(t, info.Players, MaxPlayers)
	assert.Equal(t, 1, info.Spectators)
	assert.Equal(t, "owner", info.Owner)
	assert.Equal(t, MaxPlayers, owner.received(UpdateUserJoined))

	_, err := lobby.Register(members[0])
	assert.ErrorIs(t, err, ErrAlreadyMember)
	assert.ErrorIs(t, lobby.BecomePlayer(last), ErrLobbyFull)
}

func TestBanBlocksRejoin(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice", "bob")
	alice, bob := members[0], members[1]

	assert.ErrorIs(t, lobby.Ban(bob, "alice"), ErrNotOwner)
	require.NoError(t, lobby.Ban(owner, "alice"))
	assert.Equal(t, 1, alice.received(UpdateBan))
	assert.Equal(t, models.RoleNone, alice.currentRole())
	assert.Equal(t, 1, bob.received(UpdateUserLeft))

	_, err := lobby.Register(alice)
	assert.ErrorIs(t, err, ErrBanned)
	assert.True(t, lobby.IsBanned("alice"))

	require.NoError(t, lobby.Kick(owner, "bob"))
	_, err = lobby.Register(bob)
	assert.NoError(t, err, "a kicked user may come back")

	assert.ErrorIs(t, lobby.Kick(owner, "owner"), ErrOwnerImmutable)
	assert.ErrorIs(t, lobby.Kick(owner, "nobody"), ErrNotMember)
}

func TestOwnerCannotLeave(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")

	_, err := lobby.Remove(owner)
	assert.ErrorIs(t, err, ErrOwnerImmutable)
	assert.ErrorIs(t, lobby.BecomeSpectator(owner), ErrOwnerImmutable)

	role, err := lobby.Remove(members[0])
	require.NoError(t, err)
	assert.Equal(t, models.RolePlayer, role)
	assert.Equal(t, 1, owner.received(UpdateUserLeft))
}

func TestRoleChanges(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice", "bob")
	alice := members[0]

	require.NoError(t, lobby.BecomeSpectator(alice))
	assert.ErrorIs(t, lobby.BecomeSpectator(alice), ErrAlreadyInRole)
	require.NoError(t, lobby.BecomePlayer(alice))
	assert.ErrorIs(t, lobby.MakeSpectator(members[1], "alice"), ErrNotOwner)
	require.NoError(t, lobby.MakeSpectator(owner, "alice"))
	assert.Equal(t, models.RoleSpectator, lobby.RoleOf(alice))
	assert.Equal(t, 2, owner.received(UpdateBecomeSpectator))
	assert.Equal(t, 1, owner.received(UpdateBecomePlayer))
}

func TestStartRequiresOwner(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")

	_, err := lobby.Start(members[0], "")
	assert.ErrorIs(t, err, ErrNotOwner)

	info, err := lobby.Start(owner, "")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Board[0][0])
	assert.Len(t, info.Leaderboard, 2)
	assert.NotEmpty(t, info.EndingTime)
	assert.Equal(t, 1, members[0].received(UpdateGameStarted))
	assert.Equal(t, 0, owner.received(UpdateGameStarted))
	assert.True(t, lobby.Info().Started)

	_, err = lobby.Start(owner, "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestMoveValidation(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")

	_, err := lobby.ApplyMove(owner, 0, 0, 1)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = lobby.Start(owner, "")
	require.NoError(t, err)

	_, err = lobby.ApplyMove(owner, 9, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidMove)
	_, err = lobby.ApplyMove(owner, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidMove)
	_, err = lobby.ApplyMove(owner, 4, 4, 1)
	assert.ErrorIs(t, err, ErrCellFilled)

	late := newMockMember("late")
	_, err = lobby.Register(late)
	require.NoError(t, err)
	_, err = lobby.ApplyMove(late, 0, 0, 1)
	assert.ErrorIs(t, err, ErrNotPlaying, "players who joined mid-round have no slot")

	res, err := lobby.ApplyMove(members[0], 0, 0, testSolution()[0][0])
	require.NoError(t, err)
	assert.True(t, res.Correct)
	_, err = lobby.ApplyMove(members[0], 0, 0, testSolution()[0][0])
	assert.ErrorIs(t, err, ErrCellFilled)
}

func TestCorrectMoveRaisesScore(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	before, ok := lobby.PlayerData("alice")
	require.True(t, ok)

	res, err := lobby.ApplyMove(members[0], 0, 1, testSolution()[0][1])
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Greater(t, res.Score, before.Score)
	assert.InDelta(t, 33.33, res.Score, 0.001)
	assert.Greater(t, res.Experience, 0)

	after, _ := lobby.PlayerData("alice")
	assert.Len(t, after.MoveList, 1)
	assert.Equal(t, res.Experience, after.EarnedExperience)

	board := lobby.Leaderboard()
	require.Len(t, board, 2)
	assert.Equal(t, "alice", board[0].Username)
	assert.Equal(t, 1, owner.received(UpdateLeaderboard))
	assert.Equal(t, 1, members[0].received(UpdateLeaderboard))
}

func TestMistakesDemoteToSpectator(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice", "bob")
	alice, bob := members[0], members[1]
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	for i := 1; i <= MaxMistakes; i++ {
		res, err := lobby.ApplyMove(alice, 0, 0, wrongValue(0, 0))
		require.NoError(t, err)
		assert.False(t, res.Correct)
		assert.Equal(t, i, res.Mistakes)
		assert.Equal(t, i == MaxMistakes, res.Eliminated)
	}

	assert.Equal(t, models.RoleSpectator, lobby.RoleOf(alice))
	assert.Equal(t, 1, alice.received(UpdateGameFinished))
	assert.Equal(t, 1, bob.received(UpdateBecomeSpectator))
	assert.Equal(t, 0, alice.received(UpdateBecomeSpectator))

	pd, _ := lobby.PlayerData("alice")
	assert.True(t, pd.Eliminated)
	assert.Less(t, pd.Score, 0.0)

	_, err = lobby.ApplyMove(alice, 0, 1, testSolution()[0][1])
	assert.ErrorIs(t, err, ErrNotPlaying)
	assert.Equal(t, StateRunning, lobby.State(), "others are still playing")
}

func TestWrongValueOnSolvedCellIsMistake(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")
	alice := members[0]
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	res, err := lobby.ApplyMove(alice, 0, 0, testSolution()[0][0])
	require.NoError(t, err)
	require.True(t, res.Correct)

	for i := 1; i <= MaxMistakes; i++ {
		res, err = lobby.ApplyMove(alice, 0, 0, wrongValue(0, 0))
		require.NoError(t, err)
		assert.False(t, res.Correct)
		assert.Equal(t, i, res.Mistakes)
	}
	assert.True(t, res.Eliminated)
	assert.Equal(t, models.RoleSpectator, lobby.RoleOf(alice))
	assert.Equal(t, 1, alice.received(UpdateGameFinished))

	pd, _ := lobby.PlayerData("alice")
	assert.Len(t, pd.MoveList, 1, "the solved cell still counts once")
}

func TestStartWithoutPlayers(t *testing.T) {
	lobby, owner, _, _ := setupLobby(t)
	lobby.Mu.Lock()
	lobby.players = nil
	lobby.Mu.Unlock()

	_, err := lobby.Start(owner, "")
	assert.ErrorIs(t, err, ErrNoPlayers)
	assert.Equal(t, StateOpen, lobby.State())
}

func TestOwnerEliminationKeepsSeat(t *testing.T) {
	lobby, owner, _, _ := setupLobby(t, "alice")
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	for i := 0; i < MaxMistakes; i++ {
		_, err := lobby.ApplyMove(owner, 8, 8, wrongValue(8, 8))
		require.NoError(t, err)
	}
	assert.Equal(t, models.RolePlayer, lobby.RoleOf(owner))
	pd, _ := lobby.PlayerData("owner")
	assert.True(t, pd.Eliminated)
	_, err = lobby.ApplyMove(owner, 0, 0, testSolution()[0][0])
	assert.ErrorIs(t, err, ErrNotPlaying)
}

func TestCompletingBoardEndsRound(t *testing.T) {
	lobby, owner, members, rec := setupLobby(t, "alice")
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	solution := testSolution()
	for _, h := range holes {
		_, err := lobby.ApplyMove(owner, h[0], h[1], solution[h[0]][h[1]])
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return lobby.State() == StateFinished }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "owner", lobby.Winner())
	assert.Equal(t, 1, members[0].received(UpdateGameOver))
	assert.False(t, lobby.Info().Started)

	require.Eventually(t, func() bool {
		_, ok := rec.get("owner")
		return ok
	}, time.Second, 5*time.Millisecond)
	won, _ := rec.get("owner")
	lost, _ := rec.get("alice")
	assert.True(t, won.Won)
	assert.False(t, lost.Won)
	pd, _ := lobby.PlayerData("owner")
	assert.Equal(t, pd.EarnedExperience, won.Experience)
	assert.GreaterOrEqual(t, won.Experience, WinBonus)

	_, err = lobby.Start(owner, "")
	assert.NoError(t, err, "a finished lobby can play again")
}

func TestRoundEndsWhenEveryoneIsOut(t *testing.T) {
	lobby, owner, _, _ := setupLobby(t)
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	for i := 0; i < MaxMistakes; i++ {
		_, err := lobby.ApplyMove(owner, 0, 0, wrongValue(0, 0))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return lobby.State() == StateFinished }, time.Second, 5*time.Millisecond)
}

func TestEndRoundIsIdempotent(t *testing.T) {
	lobby, owner, members, rec := setupLobby(t, "alice")
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)
	_, err = lobby.ApplyMove(members[0], 0, 0, testSolution()[0][0])
	require.NoError(t, err)

	require.NoError(t, lobby.EndRound(EndTimeUp))
	assert.ErrorIs(t, lobby.EndRound(EndTimeUp), ErrNotRunning)

	assert.Equal(t, "alice", lobby.Winner())
	assert.Equal(t, 1, owner.received(UpdateGameOver))
	res, ok := rec.get("alice")
	require.True(t, ok)
	pd, _ := lobby.PlayerData("alice")
	assert.Equal(t, pd.EarnedExperience, res.Experience)
}

func TestSelectWinner(t *testing.T) {
	players := map[string]*models.PlayerData{
		"bob":   {Score: 50},
		"alice": {Score: 50},
		"carol": {Score: 10},
	}
	winner, board := SelectWinner(players, "")
	assert.Equal(t, "alice", winner, "ties go to the lower username")
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{board[0].Username, board[1].Username, board[2].Username})

	again, _ := SelectWinner(players, "")
	assert.Equal(t, winner, again)

	winner, _ = SelectWinner(players, "carol")
	assert.Equal(t, "carol", winner, "finishing first beats a higher score")

	winner, _ = SelectWinner(map[string]*models.PlayerData{}, "")
	assert.Empty(t, winner)
}

func TestScoreOf(t *testing.T) {
	pd := &models.PlayerData{MoveList: make([]models.Move, 3), MistakeCount: 1}
	assert.InDelta(t, 25.0, scoreOf(pd, 10), 0.0001)
	pd = &models.PlayerData{MistakeCount: 1}
	assert.InDelta(t, -16.67, scoreOf(pd, 3), 0.0001)
}

func TestChatSkipsSender(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")

	require.NoError(t, lobby.SendMessage(owner, "hello"))
	assert.Equal(t, 1, members[0].received(UpdateChat))
	assert.Equal(t, 0, owner.received(UpdateChat))

	assert.ErrorIs(t, lobby.SendMessage(owner, ""), ErrEmptyMessage)
	assert.ErrorIs(t, lobby.SendMessage(newMockMember("stranger"), "hi"), ErrNotMember)
}

func TestCloseNotifiesMembers(t *testing.T) {
	lobby, owner, members, rec := setupLobby(t, "alice")
	_, err := lobby.Start(owner, "")
	require.NoError(t, err)

	lobby.Close()
	assert.True(t, lobby.Closed())
	assert.True(t, lobby.Empty())
	assert.Equal(t, 1, members[0].received(UpdateLobbyClosed))
	assert.Equal(t, 1, members[0].received(UpdateGameOver))
	assert.Equal(t, models.RoleNone, members[0].currentRole())
	assert.Equal(t, models.RoleNone, owner.currentRole())
	_, ok := rec.get("alice")
	assert.True(t, ok)

	_, err = lobby.Register(newMockMember("late"))
	assert.ErrorIs(t, err, ErrLobbyClosed)
	lobby.Close()
}

func TestSnapshot(t *testing.T) {
	lobby, owner, members, _ := setupLobby(t, "alice")

	snap := lobby.Snapshot(members[0])
	assert.Equal(t, models.RolePlayer, snap.Role)
	assert.Equal(t, StateOpen, snap.State)
	assert.Nil(t, snap.Board)

	_, err := lobby.Start(owner, "")
	require.NoError(t, err)
	snap = lobby.Snapshot(members[0])
	assert.Equal(t, StateRunning, snap.State)
	require.NotNil(t, snap.Board)
	assert.Equal(t, 0, snap.Board[8][8])
	assert.Len(t, snap.Leaderboard, 2)
}

func TestManager(t *testing.T) {
	lm := NewManager(fixedProvider{}, nil, testConfig)

	a, err := lm.Create(newMockMember("a"))
	require.NoError(t, err)
	b, err := lm.Create(newMockMember("b"))
	require.NoError(t, err)
	assert.Len(t, a.Code, 6)
	assert.NotEqual(t, a.Code, b.Code)
	assert.Equal(t, 2, lm.Count())

	got, err := lm.Get(a.Code)
	require.NoError(t, err)
	assert.Same(t, a, got)

	lm.Remove(a.Code)
	_, err = lm.Get(a.Code)
	assert.ErrorIs(t, err, ErrLobbyNotFound)
	lm.Remove(a.Code)

	lm.CloseAll()
	assert.Equal(t, 0, lm.Count())
	assert.True(t, b.Closed())
}
