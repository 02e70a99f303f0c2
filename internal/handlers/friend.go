// internal/handlers/friend.go
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/session"
)

type usernameRequest struct {
	Username string `json:"Username"`
}

// bindUsername decodes a {Username} payload and rejects an empty name.
func bindUsername(req *protocol.Request) (string, int, any, bool) {
	var in usernameRequest
	if code, body, ok := bind(req, &in); !ok {
		return "", code, body, false
	}
	name := strings.TrimSpace(in.Username)
	if name == "" {
		return "", http.StatusBadRequest, message("Missing Username"), false
	}
	return name, 0, nil, true
}

// handleAddFriend sends a friend request to another account.
//
// Request payload: {"Username": "target"}
func handleAddFriend(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	target, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	me := sess.Username()
	if err := s.Store.AddFriendRequest(ctx, me, target); err != nil {
		return s.failure(sess, req, err)
	}
	s.pushTo(target, UpdateFriendRequest, map[string]any{"Username": me})
	return http.StatusOK, message("Friend Request Sent")
}

// handleAcceptFriend accepts a pending request; both friend lists change in one store task.
//
// Request payload: {"Username": "requester"}
func handleAcceptFriend(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	requester, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	me := sess.Username()
	if err := s.Store.AcceptFriend(ctx, me, requester); err != nil {
		return s.failure(sess, req, err)
	}
	s.pushTo(requester, UpdateFriendRequestAccepted, map[string]any{"Username": me})

	friends, err := s.Store.ListFriends(ctx, me, s.Online)
	if err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, map[string]any{"Msg": "Friend Request Accepted", "Friends": friends}
}

// handleRejectFriend drops a pending request.
func handleRejectFriend(s *Server, ctx context.Context, sess *session.Session, req *protocol.Request) (int, any) {
	if code, body, ok := s.requireToken(sess, req); !ok {
		return code, body
	}
	requester, code, body, ok := bindUsername(req)
	if !ok {
		return code, body
	}
	if err := s.Store.RejectFriend(ctx, sess.Username(), requester); err != nil {
		return s.failure(sess, req, err)
	}
	return http.StatusOK, message("Friend Request Rejected")
}
