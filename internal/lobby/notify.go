// internal/lobby/notify.go
package lobby

import (
	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	log "github.com/sirupsen/logrus"
)

// Push updates emitted by a lobby.
const (
	UpdateUserJoined      = "User_Joined_Lobby"
	UpdateUserLeft        = "User_Left_Lobby"
	UpdateKick            = "Lobby_Kick"
	UpdateBan             = "Lobby_Ban"
	UpdateBecomeSpectator = "Become_Spectator"
	UpdateBecomePlayer    = "Become_Player"
	UpdateLeaderboard     = "Leaderboard"
	UpdateGameStarted     = "Game_Started"
	UpdateChat            = "Chat_Message"
	UpdateGameFinished    = "Game_Finished"
	UpdateGameOver        = "Game_Over"
	UpdateLobbyClosed     = "Lobby_Closed"
)

// Member is a connected session as seen by a lobby.
type Member interface {
	Username() string
	// Push delivers an unsolicited update to the client.
	Push(update string, data any) error
	// SetLobby records the member's lobby code and role; ("", RoleNone) detaches it.
	SetLobby(code string, role models.Role)
}

type notice struct {
	to     Member
	update string
	data   any
}

// outbox collects pushes while the lobby lock is held. Payloads must be snapshots.
type outbox []notice

func (o *outbox) send(to Member, update string, data any) {
	*o = append(*o, notice{to: to, update: update, data: data})
}

// broadcast queues update for every member in members except skip (may be nil).
func (o *outbox) broadcast(members []Member, update string, data any, skip Member) {
	for _, m := range members {
		if m != skip {
			o.send(m, update, data)
		}
	}
}

// release unlocks lobby.Mu and delivers out in order. sendMu is taken before Mu
// is dropped, so deliveries of consecutive operations never overtake each other.
func (lobby *Lobby) release(out outbox) {
	lobby.sendMu.Lock()
	lobby.Mu.Unlock()
	defer lobby.sendMu.Unlock()

	for _, n := range out {
		if err := n.to.Push(n.update, n.data); err != nil {
			log.WithFields(log.Fields{
				"lobby":  lobby.Code,
				"user":   n.to.Username(),
				"update": n.update,
			}).Warnf("push failed: %v", err)
		}
	}
}
