// internal/database/friend.go

package database

import (
	"context"
	"errors"
	"slices"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/rating"
)

var (
	ErrSelfFriend       = errors.New("cannot befriend yourself")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrAlreadyRequested = errors.New("friend request already pending")
	ErrNoRequest        = errors.New("no pending friend request")
)

// AddFriendRequest records a pending request from -> to on the recipient's account.
func (s *Store) AddFriendRequest(ctx context.Context, from, to string) error {
	if from == to {
		return ErrSelfFriend
	}
	return s.modifyUsers(ctx, func(all users) error {
		sender, ok := all[from]
		if !ok {
			return ErrUserNotFound
		}
		target, ok := all[to]
		if !ok {
			return ErrUserNotFound
		}
		if slices.Contains(target.Friends, from) || slices.Contains(sender.Friends, to) {
			return ErrAlreadyFriends
		}
		if slices.Contains(target.FriendRequests, from) {
			return ErrAlreadyRequested
		}
		target.FriendRequests = append(target.FriendRequests, from)
		return nil
	})
}

// AcceptFriend turns requester's pending request on username's account into a
// mutual friendship.
func (s *Store) AcceptFriend(ctx context.Context, username, requester string) error {
	return s.modifyUsers(ctx, func(all users) error {
		u, ok := all[username]
		if !ok {
			return ErrUserNotFound
		}
		i := slices.Index(u.FriendRequests, requester)
		if i < 0 {
			return ErrNoRequest
		}
		other, ok := all[requester]
		if !ok {
			// the requester's account is gone; drop the stale request
			u.FriendRequests = slices.Delete(u.FriendRequests, i, i+1)
			return nil
		}
		u.FriendRequests = slices.Delete(u.FriendRequests, i, i+1)
		if !slices.Contains(u.Friends, requester) {
			u.Friends = append(u.Friends, requester)
		}
		if !slices.Contains(other.Friends, username) {
			other.Friends = append(other.Friends, username)
		}
		// a crossed request in the other direction is satisfied too
		if j := slices.Index(other.FriendRequests, username); j >= 0 {
			other.FriendRequests = slices.Delete(other.FriendRequests, j, j+1)
		}
		return nil
	})
}

// RejectFriend drops requester's pending request from username's account.
func (s *Store) RejectFriend(ctx context.Context, username, requester string) error {
	return s.modifyUsers(ctx, func(all users) error {
		u, ok := all[username]
		if !ok {
			return ErrUserNotFound
		}
		i := slices.Index(u.FriendRequests, requester)
		if i < 0 {
			return ErrNoRequest
		}
		u.FriendRequests = slices.Delete(u.FriendRequests, i, i+1)
		return nil
	})
}

// ListFriends projects username's friends and pending requests. online reports
// whether a friend currently has a live session.
func (s *Store) ListFriends(ctx context.Context, username string, online func(string) bool) (*models.FriendList, error) {
	all, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := all[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	list := &models.FriendList{
		Friends:  make([]models.FriendInfo, 0, len(u.Friends)),
		Requests: append([]string{}, u.FriendRequests...),
	}
	for _, name := range u.Friends {
		f, ok := all[name]
		if !ok {
			continue
		}
		status := models.StatusOffline
		if online != nil && online(name) {
			status = models.StatusOnline
		}
		list.Friends = append(list.Friends, models.FriendInfo{
			Username:      f.Username,
			Status:        status,
			LastLogin:     f.LastLogin,
			AccountLevel:  f.AccountLevel,
			LevelProgress: rating.Progress(f.AccountExperience),
			GamesPlayed:   f.GamesPlayed,
			GamesWon:      f.GamesWon,
			Playtime:      f.Playtime,
		})
	}
	return list, nil
}
