// internal/lobby/lobby.go
package lobby

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Lobby limits and scoring constants.
const (
	MaxPlayers  = 6
	MaxMistakes = 3
	BaseExp     = 1000
	WinBonus    = 100
)

// Palette holds the player colors; every lobby uses its own shuffled copy.
var Palette = [MaxPlayers]models.Color{
	{234, 68, 68},
	{52, 152, 219},
	{46, 204, 113},
	{241, 196, 15},
	{155, 89, 182},
	{230, 126, 34},
}

var (
	ErrBanned         = errors.New("user is banned from this lobby")
	ErrAlreadyMember  = errors.New("user is already in this lobby")
	ErrNotMember      = errors.New("user is not in this lobby")
	ErrNotOwner       = errors.New("only the lobby owner can do that")
	ErrOwnerImmutable = errors.New("the lobby owner cannot be moved or removed")
	ErrAlreadyInRole  = errors.New("user already has that role")
	ErrLobbyFull      = errors.New("no player slots left")
	ErrLobbyClosed    = errors.New("lobby is closed")
	ErrEmptyMessage   = errors.New("message is empty")
)

// State is the lifecycle stage of a lobby's current round.
type State int

const (
	StateOpen State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Recorder persists a finished round into a player's account.
type Recorder interface {
	RecordRound(ctx context.Context, username string, res models.RoundResult) error
}

// Config tunes round timing and puzzle generation.
type Config struct {
	RoundDuration time.Duration
	PollInterval  time.Duration
	Difficulty    string
}

// DefaultConfig is used for zero fields of a Config.
var DefaultConfig = Config{
	RoundDuration: 10 * time.Minute,
	PollInterval:  500 * time.Millisecond,
	Difficulty:    "medium",
}

func (c Config) withDefaults() Config {
	if c.RoundDuration <= 0 {
		c.RoundDuration = DefaultConfig.RoundDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.Difficulty == "" {
		c.Difficulty = DefaultConfig.Difficulty
	}
	return c
}

// Lobby is a game room: an owner, up to MaxPlayers players, any number of
// spectators and at most one running round. Every exported method takes Mu;
// methods suffixed Unsafe expect the caller to hold it.
type Lobby struct {
	Code string

	owner      Member
	players    []Member
	spectators []Member
	banned     map[string]struct{}
	palette    [MaxPlayers]models.Color
	closed     bool

	round *round

	provider puzzle.Provider
	recorder Recorder
	cfg      Config
	now      func() time.Time

	// OnRoundEnd runs after a round's results are persisted, outside the lock.
	OnRoundEnd func(lobby *Lobby)

	Mu     sync.Mutex
	sendMu sync.Mutex
}

// New creates a lobby owned by owner, who joins as its first player.
func New(code string, owner Member, provider puzzle.Provider, recorder Recorder, cfg Config) *Lobby {
	lobby := &Lobby{
		Code:     code,
		owner:    owner,
		players:  []Member{owner},
		banned:   make(map[string]struct{}),
		palette:  Palette,
		provider: provider,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	rand.Shuffle(len(lobby.palette), func(i, j int) {
		lobby.palette[i], lobby.palette[j] = lobby.palette[j], lobby.palette[i]
	})
	owner.SetLobby(code, models.RolePlayer)
	log.WithField("lobby", code).Infof("Lobby created by %s", owner.Username())
	return lobby
}

// IsOwner reports whether m owns the lobby.
func (lobby *Lobby) IsOwner(m Member) bool { return m == lobby.owner }

// Info returns a snapshot of the public lobby state.
func (lobby *Lobby) Info() models.LobbyInfo {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return lobby.infoUnsafe()
}

func (lobby *Lobby) infoUnsafe() models.LobbyInfo {
	info := models.LobbyInfo{
		Code:          lobby.Code,
		Owner:         lobby.owner.Username(),
		Started:       lobby.round != nil && lobby.round.state == StateRunning,
		MaxPlayers:    MaxPlayers,
		Players:       usernames(lobby.players),
		Spectators:    len(lobby.spectators),
		PlayersColors: append([]models.Color(nil), lobby.palette[:]...),
	}
	if info.Started {
		info.EndingTime = lobby.round.endTime.Format(models.TimeLayout)
	}
	return info
}

// State reports the stage of the current (or last) round.
func (lobby *Lobby) State() State {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	if lobby.round == nil {
		return StateOpen
	}
	return lobby.round.state
}

// RoleOf returns m's role, or RoleNone if m is not a member.
func (lobby *Lobby) RoleOf(m Member) models.Role {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return lobby.roleOfUnsafe(m)
}

func (lobby *Lobby) roleOfUnsafe(m Member) models.Role {
	if slices.Contains(lobby.players, m) {
		return models.RolePlayer
	}
	if slices.Contains(lobby.spectators, m) {
		return models.RoleSpectator
	}
	return models.RoleNone
}

func (lobby *Lobby) membersUnsafe() []Member {
	all := make([]Member, 0, len(lobby.players)+len(lobby.spectators))
	all = append(all, lobby.players...)
	return append(all, lobby.spectators...)
}

func (lobby *Lobby) findUnsafe(username string) Member {
	for _, m := range lobby.membersUnsafe() {
		if m.Username() == username {
			return m
		}
	}
	return nil
}

// Register adds m as a player while slots remain, otherwise as a spectator.
func (lobby *Lobby) Register(m Member) (models.Role, error) {
	lobby.Mu.Lock()
	var out outbox
	role, err := lobby.registerUnsafe(m, &out)
	lobby.release(out)
	return role, err
}

func (lobby *Lobby) registerUnsafe(m Member, out *outbox) (models.Role, error) {
	if lobby.closed {
		return models.RoleNone, ErrLobbyClosed
	}
	if _, banned := lobby.banned[m.Username()]; banned {
		return models.RoleNone, ErrBanned
	}
	if lobby.roleOfUnsafe(m) != models.RoleNone {
		return models.RoleNone, ErrAlreadyMember
	}

	role := models.RoleSpectator
	if len(lobby.players) < MaxPlayers {
		role = models.RolePlayer
		lobby.players = append(lobby.players, m)
	} else {
		lobby.spectators = append(lobby.spectators, m)
	}
	m.SetLobby(lobby.Code, role)

	out.broadcast(lobby.membersUnsafe(), UpdateUserJoined, map[string]any{
		"Username": m.Username(),
		"Role":     role,
	}, m)
	log.WithField("lobby", lobby.Code).Infof("%s joined as %s", m.Username(), role)
	return role, nil
}

// Remove takes m out of the lobby and returns the role it vacated. The owner
// cannot leave; the lobby is closed instead.
func (lobby *Lobby) Remove(m Member) (models.Role, error) {
	lobby.Mu.Lock()
	var out outbox
	role, err := lobby.removeUnsafe(m)
	if err == nil {
		out.broadcast(lobby.membersUnsafe(), UpdateUserLeft, map[string]any{
			"Username": m.Username(),
			"Role":     role,
		}, nil)
	}
	lobby.release(out)
	return role, err
}

// removeUnsafe detaches m without notifying anyone.
func (lobby *Lobby) removeUnsafe(m Member) (models.Role, error) {
	if m == lobby.owner {
		return models.RoleNone, ErrOwnerImmutable
	}
	role := lobby.roleOfUnsafe(m)
	switch role {
	case models.RolePlayer:
		lobby.players = slices.DeleteFunc(lobby.players, func(x Member) bool { return x == m })
	case models.RoleSpectator:
		lobby.spectators = slices.DeleteFunc(lobby.spectators, func(x Member) bool { return x == m })
	default:
		return models.RoleNone, ErrNotMember
	}
	m.SetLobby("", models.RoleNone)
	log.WithField("lobby", lobby.Code).Infof("%s left (%s)", m.Username(), role)
	return role, nil
}

// Kick removes username on behalf of the owner.
func (lobby *Lobby) Kick(by Member, username string) error {
	return lobby.expel(by, username, UpdateKick, false)
}

// Ban removes username on behalf of the owner and refuses any later Register.
func (lobby *Lobby) Ban(by Member, username string) error {
	return lobby.expel(by, username, UpdateBan, true)
}

func (lobby *Lobby) expel(by Member, username, update string, ban bool) error {
	lobby.Mu.Lock()
	var out outbox
	err := lobby.expelUnsafe(by, username, update, ban, &out)
	lobby.release(out)
	return err
}

func (lobby *Lobby) expelUnsafe(by Member, username, update string, ban bool, out *outbox) error {
	if by != lobby.owner {
		return ErrNotOwner
	}
	target := lobby.findUnsafe(username)
	if target == nil {
		return ErrNotMember
	}
	if target == lobby.owner {
		return ErrOwnerImmutable
	}
	role, err := lobby.removeUnsafe(target)
	if err != nil {
		return err
	}
	if ban {
		lobby.banned[username] = struct{}{}
	}
	out.send(target, update, map[string]any{"Code": lobby.Code})
	out.broadcast(lobby.membersUnsafe(), UpdateUserLeft, map[string]any{
		"Username": username,
		"Role":     role,
	}, nil)
	return nil
}

// IsBanned reports whether username is banned here.
func (lobby *Lobby) IsBanned(username string) bool {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	_, ok := lobby.banned[username]
	return ok
}

// BecomeSpectator moves a player to the spectator list at their own request.
func (lobby *Lobby) BecomeSpectator(m Member) error {
	lobby.Mu.Lock()
	var out outbox
	err := lobby.toSpectatorUnsafe(m, &out)
	lobby.release(out)
	return err
}

// MakeSpectator moves username to the spectator list on behalf of the owner.
func (lobby *Lobby) MakeSpectator(by Member, username string) error {
	lobby.Mu.Lock()
	var out outbox
	var err error
	if by != lobby.owner {
		err = ErrNotOwner
	} else if target := lobby.findUnsafe(username); target == nil {
		err = ErrNotMember
	} else {
		err = lobby.toSpectatorUnsafe(target, &out)
	}
	lobby.release(out)
	return err
}

func (lobby *Lobby) toSpectatorUnsafe(m Member, out *outbox) error {
	if m == lobby.owner {
		return ErrOwnerImmutable
	}
	switch lobby.roleOfUnsafe(m) {
	case models.RoleNone:
		return ErrNotMember
	case models.RoleSpectator:
		return ErrAlreadyInRole
	}
	lobby.players = slices.DeleteFunc(lobby.players, func(x Member) bool { return x == m })
	lobby.spectators = append(lobby.spectators, m)
	m.SetLobby(lobby.Code, models.RoleSpectator)
	out.broadcast(lobby.membersUnsafe(), UpdateBecomeSpectator, map[string]any{"Username": m.Username()}, nil)
	return nil
}

// BecomePlayer moves a spectator to the player list if a slot is free.
func (lobby *Lobby) BecomePlayer(m Member) error {
	lobby.Mu.Lock()
	var out outbox
	err := lobby.toPlayerUnsafe(m, &out)
	lobby.release(out)
	return err
}

func (lobby *Lobby) toPlayerUnsafe(m Member, out *outbox) error {
	switch lobby.roleOfUnsafe(m) {
	case models.RoleNone:
		return ErrNotMember
	case models.RolePlayer:
		return ErrAlreadyInRole
	}
	if len(lobby.players) >= MaxPlayers {
		return ErrLobbyFull
	}
	lobby.spectators = slices.DeleteFunc(lobby.spectators, func(x Member) bool { return x == m })
	lobby.players = append(lobby.players, m)
	m.SetLobby(lobby.Code, models.RolePlayer)
	out.broadcast(lobby.membersUnsafe(), UpdateBecomePlayer, map[string]any{"Username": m.Username()}, nil)
	return nil
}

// SendMessage relays a chat line to every member except the sender.
func (lobby *Lobby) SendMessage(from Member, message string) error {
	if message == "" {
		return ErrEmptyMessage
	}
	lobby.Mu.Lock()
	var out outbox
	var err error
	if lobby.roleOfUnsafe(from) == models.RoleNone {
		err = ErrNotMember
	} else {
		out.broadcast(lobby.membersUnsafe(), UpdateChat, map[string]any{
			"Username": from.Username(),
			"Message":  message,
			"Time":     lobby.now().Format("15:04:05"),
		}, from)
	}
	lobby.release(out)
	return err
}

// Close ends any running round, detaches every member and marks the lobby closed.
// Used when the owner disconnects.
func (lobby *Lobby) Close() {
	lobby.Mu.Lock()
	if lobby.closed {
		lobby.Mu.Unlock()
		return
	}
	var out outbox
	results := lobby.endRoundUnsafe(&out, "lobby_closed")
	for _, m := range lobby.membersUnsafe() {
		m.SetLobby("", models.RoleNone)
		if m != lobby.owner {
			out.send(m, UpdateLobbyClosed, map[string]any{"Code": lobby.Code})
		}
	}
	lobby.players, lobby.spectators = nil, nil
	lobby.closed = true
	log.WithField("lobby", lobby.Code).Info("Lobby closed")
	lobby.release(out)
	lobby.persist(results)
}

// Closed reports whether Close has run.
func (lobby *Lobby) Closed() bool {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return lobby.closed
}

// Empty reports whether the lobby has no members left.
func (lobby *Lobby) Empty() bool {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return len(lobby.players)+len(lobby.spectators) == 0
}

func usernames(ms []Member) []string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.Username()
	}
	return names
}

func newRoundID() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil
	}
	return id
}
