// internal/handlers/router.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/database"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/lobby"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/session"
)

// Pushes emitted by the router itself rather than by a lobby.
const (
	UpdateFriendRequest         = "Friend_Request"
	UpdateFriendRequestAccepted = "Friend_Request_Accepted"
)

// handlerFunc serves one command and returns the status code and response data.
type handlerFunc func(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any)

// commands maps lower-cased command names to their handlers.
var commands = map[string]handlerFunc{
	"register":               handleRegister,
	"login":                  handleLogin,
	"create_lobby":           handleCreateLobby,
	"join_lobby":             handleJoinLobby,
	"leave_lobby":            handleLeaveLobby,
	"get_lobby":              handleGetLobby,
	"become_lobby_spectator": handleBecomeSpectator,
	"become_lobby_player":    handleBecomePlayer,
	"make_lobby_spectator":   handleMakeSpectator,
	"kick_user_lobby":        handleKick,
	"ban_user_lobby":         handleBan,
	"start_game":             handleStartGame,
	"game_move":              handleGameMove,
	"chat_message":           handleChatMessage,
	"add_friend":             handleAddFriend,
	"accept_friend":          handleAcceptFriend,
	"reject_friend":          handleRejectFriend,
}

func (s *Server) dispatch(sess *session.Session, req *protocol.Request) (int, any) {
	h, ok := commands[strings.ToLower(req.Command)]
	if !ok {
		return http.StatusNotFound, message("Unknown Command")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return h(s, ctx, sess, req)
}

// message is the response body carrying only a human-readable Msg.
func message(msg string) map[string]any {
	return map[string]any{"Msg": msg}
}

// requireToken checks that the session is logged in and that the request
// carries the token issued to it.
func (s *Server) requireToken(sess *session.Session, req *protocol.Request) (int, any, bool) {
	if !sess.Authenticated() || req.Token == "" {
		return http.StatusBadRequest, message("Missing Token"), false
	}
	if !sess.CheckToken(req.Token) || s.tokenOwner(req.Token) != sess.Username() {
		return http.StatusBadRequest, message("Invalid Token"), false
	}
	username, err := s.Tokens.Authenticate(req.Token)
	if err != nil || username != sess.Username() {
		return http.StatusBadRequest, message("Invalid Token"), false
	}
	return 0, nil, true
}

// tokenOwner returns the user a live token was issued to, or "" once the
// session holding it has disconnected.
func (s *Server) tokenOwner(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// bind decodes the request data into v, answering 400 on failure.
func bind(req *protocol.Request, v any) (int, any, bool) {
	if err := req.Bind(v); err != nil {
		return http.StatusBadRequest, message("Invalid Data Attribute"), false
	}
	return 0, nil, true
}

// errorStatuses maps domain errors onto the HTTP-style status codes of the protocol.
var errorStatuses = []struct {
	err  error
	code int
}{
	{lobby.ErrLobbyNotFound, http.StatusNotFound},
	{lobby.ErrNotMember, http.StatusNotFound},
	{database.ErrUserNotFound, http.StatusNotFound},
	{database.ErrNoRequest, http.StatusNotFound},
	{lobby.ErrInvalidMove, http.StatusBadRequest},
	{lobby.ErrEmptyMessage, http.StatusBadRequest},
	{puzzle.ErrUnknownDifficulty, http.StatusBadRequest},
	{database.ErrSelfFriend, http.StatusBadRequest},
	{lobby.ErrBanned, http.StatusConflict},
	{lobby.ErrAlreadyMember, http.StatusConflict},
	{lobby.ErrNotOwner, http.StatusConflict},
	{lobby.ErrOwnerImmutable, http.StatusConflict},
	{lobby.ErrAlreadyInRole, http.StatusConflict},
	{lobby.ErrLobbyFull, http.StatusConflict},
	{lobby.ErrLobbyClosed, http.StatusConflict},
	{lobby.ErrAlreadyRunning, http.StatusConflict},
	{lobby.ErrNotRunning, http.StatusConflict},
	{lobby.ErrNotPlaying, http.StatusConflict},
	{lobby.ErrCellFilled, http.StatusConflict},
	{lobby.ErrNoPlayers, http.StatusConflict},
	{database.ErrUserExists, http.StatusConflict},
	{database.ErrAlreadyFriends, http.StatusConflict},
	{database.ErrAlreadyRequested, http.StatusConflict},
	{database.ErrUnavailable, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusServiceUnavailable},
}

// statusFor returns the status code for err and the sentinel it matched, if any.
func statusFor(err error) (int, error) {
	for _, es := range errorStatuses {
		if errors.Is(err, es.err) {
			return es.code, es.err
		}
	}
	return http.StatusInternalServerError, nil
}

// failure turns err into a response, hiding the text of unexpected errors.
func (s *Server) failure(sess *session.Session, req *protocol.Request, err error) (int, any) {
	code, known := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("%s from %s failed: %v", req.Command, sess.Username(), err)
		return code, message(http.StatusText(code))
	}
	return code, message(capitalize(known.Error()))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
