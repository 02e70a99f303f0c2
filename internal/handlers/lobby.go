// internal/handlers/lobby.go
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/lobby"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/session"
)

// currentLobby returns the lobby sess belongs to.
func (s *Server) currentLobby(sess *session.Session) (*lobby.Lobby, error) {
	code, _ := sess.Lobby()
	if code == "" {
		return nil, lobby.ErrNotMember
	}
	return s.Lobbies.Get(code)
}

// lobbyCommand runs the shared prologue of every in-lobby command: token check
// and lobby lookup.
func (s *Server) lobbyCommand(sess *session.Session, req *protocol.Request) (*lobby.Lobby, int, any, bool) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return nil, code, body, false
	}
	l, err := s.currentLobby(sess)
	if err != nil {
		code, body := s.failure(sess, req, err)
		return nil, code, body, false
	}
	return l, 0, nil, true
}

func handleCreateLobby(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	if sess.InLobby() {
		return http.StatusConflict, message("Already In A Lobby")
	}
	l, err := s.Lobbies.Create(sess)
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, map[string]any{
		"Msg":        "Lobby Created",
		"Code":       l.Code,
		"Lobby_Info": l.Info(),
	}
}

func handleJoinLobby(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	var in struct {
		Code string `json:"Code"`
	}
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return http.StatusBadRequest, message("Missing Code")
	}
	if sess.InLobby() {
		return http.StatusConflict, message("Already In A Lobby")
	}

	l, err := s.Lobbies.Get(in.Code)
	if err != nil {
		return http.StatusNotFound, message("Invalid Lobby Code")
	}
	role, err := l.Register(sess)
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, map[string]any{
		"Msg":        "Joined Lobby",
		"Lobby_Info": l.Info(),
		"Role":       role,
	}
}

func handleLeaveLobby(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	if _, err := l.Remove(sess); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("Left Lobby")
}

// handleGetLobby reports the caller's lobby, or the lobby named by an optional
// Code. Role is empty when the caller is not a member of that lobby.
func handleGetLobby(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	var in struct {
		Code string `json:"Code"`
	}
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}

	var (
		l   *lobby.Lobby
		err error
	)
	if in.Code = strings.TrimSpace(in.Code); in.Code != "" {
		l, err = s.Lobbies.Get(in.Code)
	} else {
		l, err = s.currentLobby(sess)
	}
	if err != nil {
		return s.failure(sess, req, err)
	}

	snap := l.Snapshot(sess)
	out := map[string]any{
		"Msg":        "Lobby Info",
		"Lobby_Info": snap.Info,
		"Role":       snap.Role,
		"State":      snap.State.String(),
	}
	if snap.Leaderboard != nil {
		out["Leaderboard"] = snap.Leaderboard
	}
	if snap.Board != nil && snap.Role != "" {
		out["Board"] = *snap.Board
	}
	if snap.Winner != "" {
		out["Winner"] = snap.Winner
	}
	return http.StatusOK, out
}

func handleBecomeSpectator(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	if err := l.BecomeSpectator(sess); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("Became Spectator")
}

func handleBecomePlayer(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	if err := l.BecomePlayer(sess); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("Became Player")
}

func handleMakeSpectator(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	target, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	if err := l.MakeSpectator(sess, target); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("User Moved To Spectators")
}

func handleKick(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	target, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	if err := l.Kick(sess, target); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("User Kicked")
}

func handleBan(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	target, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	if err := l.Ban(sess, target); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("User Banned")
}

func handleStartGame(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	var in struct {
		Difficulty string `json:"Difficulty"`
	}
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	info, err := l.Start(sess, strings.TrimSpace(in.Difficulty))
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, map[string]any{
		"Msg":         "Game Started",
		"Board":       info.Board,
		"Ending_Time": info.EndingTime,
		"Leaderboard": info.Leaderboard,
	}
}

// handleGameMove checks one cell against the solution.
//
// Request payload: {"Row": 0, "Col": 0, "Value": 5}, row and col 0-based.
func handleGameMove(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	var in struct {
		Row   *int `json:"Row"`
		Col   *int `json:"Col"`
		Value *int `json:"Value"`
	}
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	if in.Row == nil || in.Col == nil || in.Value == nil {
		return http.StatusBadRequest, message("Missing Row, Col Or Value")
	}

	res, err := l.ApplyMove(sess, *in.Row, *in.Col, *in.Value)
	if err != nil {
		return s.failure(sess, req, err)
	}
	msg := "Correct"
	if !res.Correct {
		msg = "Wrong"
	}
	return http.StatusOK, map[string]any{
		"Msg":        msg,
		"Correct":    res.Correct,
		"Score":      res.Score,
		"Mistakes":   res.Mistakes,
		"Experience": res.Experience,
		"Eliminated": res.Eliminated,
	}
}

func handleChatMessage(s *Server, _ context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	l, code, body, ok := s.lobbyCommand(sess, req)
	if !ok {
		return code, body
	}
	var in struct {
		Message string `json:"Message"`
	}
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	if err := l.SendMessage(sess, strings.TrimSpace(in.Message)); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("Message Sent")
}
