// internal/handlers/user.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/database"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/session"
)

type credentials struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

func handleRegister(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	var in credentials
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		return http.StatusBadRequest, message("Missing Username Or Password")
	}
	if sess.Authenticated() {
		return http.StatusConflict, message("Already Logged In")
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return s.failure(sess, req, err)
	}
	if _, err := s.Store.CreateUser(ctx, in.Username, hash, sess.RemoteAddr(), s.now()); err != nil {
		return s.failure(sess, req, err)
	}

	token, code, body := s.login(sess, req, in.Username)
	if token == "" {
		return code, body
	}
	friends, err := s.Store.ListFriends(ctx, in.Username, s.Online)
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusCreated, map[string]any{
		"Msg":     "Registered",
		"Token":   token,
		"Friends": friends,
	}
}

func handleLogin(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	var in credentials
	if code, body, ok := bind(req, &in); !ok {
		return code, body
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		return http.StatusBadRequest, message("Missing Username Or Password")
	}
	if sess.Authenticated() {
		return http.StatusConflict, message("Already Logged In")
	}

	user, err := s.Store.GetUser(ctx, in.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		return http.StatusNotFound, message("Invalid Credentials")
	}
	if err != nil {
		return s.failure(sess, req, err)
	}
	match, err := s.Hasher.Verify(user.Password, in.Password)
	if err != nil || !match {
		return http.StatusNotFound, message("Invalid Credentials")
	}

	token, code, body := s.login(sess, req, in.Username)
	if token == "" {
		return code, body
	}
	if err := s.Store.UpdateLogin(ctx, in.Username, sess.RemoteAddr(), s.now()); err != nil {
		s.logger.Errorf("Failed to stamp login of %s: %v", in.Username, err)
	}
	friends, err := s.Store.ListFriends(ctx, in.Username, s.Online)
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, map[string]any{
		"Msg":     "Logged In",
		"Token":   token,
		"Friends": friends,
	}
}

// login issues a token and claims username for sess. It returns an empty token
// together with the response to send when the account is already in use.
func (s *Server) login(sess *session.Session, req *protocol.Request, username string) (string, int, any) {
	token, err := s.Tokens.Issue(username)
	if err != nil {
		code, body := s.failure(sess, req, err)
		return "", code, body
	}

	s.mu.Lock()
	if other, ok := s.online[username]; ok && other != sess {
		s.mu.Unlock()
		return "", http.StatusConflict, message("User Already Logged In")
	}
	s.online[username] = sess
	s.tokens[token] = username
	s.mu.Unlock()

	sess.SetAuth(username, token)
	s.logger.WithField("remote", sess.RemoteAddr()).Infof("%s logged in", username)
	return token, 0, nil
}
