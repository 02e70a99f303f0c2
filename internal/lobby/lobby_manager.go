// internal/lobby/lobby_manager.go

package lobby

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	log "github.com/sirupsen/logrus"
)

// ErrLobbyNotFound is returned when no lobby has the requested code.
var ErrLobbyNotFound = errors.New("lobby not found")

// maxCodeAttempts bounds the search for an unused lobby code.
const maxCodeAttempts = 1000

// Manager tracks every open lobby in memory, keyed by its six-digit code.
type Manager struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby

	provider puzzle.Provider
	recorder Recorder
	cfg      Config
}

// NewManager creates a Manager whose lobbies share provider, recorder and cfg.
func NewManager(provider puzzle.Provider, recorder Recorder, cfg Config) *Manager {
	return &Manager{
		lobbies:  make(map[string]*Lobby),
		provider: provider,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
	}
}

// Create opens a new lobby owned by owner under a code no other open lobby uses.
func (lm *Manager) Create(owner Member) (*Lobby, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var code string
	for i := 0; ; i++ {
		if i == maxCodeAttempts {
			return nil, fmt.Errorf("no free lobby code after %d attempts", maxCodeAttempts)
		}
		code = fmt.Sprintf("%06d", rand.IntN(1_000_000))
		if _, taken := lm.lobbies[code]; !taken {
			break
		}
	}

	lobby := New(code, owner, lm.provider, lm.recorder, lm.cfg)
	lobby.OnRoundEnd = lm.dropIfEmpty
	lm.lobbies[code] = lobby
	return lobby, nil
}

// Get returns the lobby with the given code.
func (lm *Manager) Get(code string) (*Lobby, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lobby, ok := lm.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return lobby, nil
}

// Remove forgets the lobby with the given code. Removing an unknown code is a no-op.
func (lm *Manager) Remove(code string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.lobbies[code]; ok {
		delete(lm.lobbies, code)
		log.WithField("lobby", code).Info("Lobby removed")
	}
}

// Count returns the number of open lobbies.
func (lm *Manager) Count() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.lobbies)
}

// CloseAll closes every lobby, ending running rounds. Used on shutdown.
func (lm *Manager) CloseAll() {
	lm.mu.Lock()
	all := make([]*Lobby, 0, len(lm.lobbies))
	for _, lobby := range lm.lobbies {
		all = append(all, lobby)
	}
	lm.lobbies = make(map[string]*Lobby)
	lm.mu.Unlock()

	for _, lobby := range all {
		lobby.Close()
	}
}

func (lm *Manager) dropIfEmpty(lobby *Lobby) {
	if lobby.Closed() || lobby.Empty() {
		lm.Remove(lobby.Code)
	}
}
