package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/rating"
)

// UsersCollection holds every account record keyed by username.
const UsersCollection = "Users"

var (
	ErrUserExists   = errors.New("username already taken")
	ErrUserNotFound = errors.New("user not found")
)

type users map[string]*models.User

// loadUsers reads the Users collection; a missing file is an empty collection.
func (s *Store) loadUsers(ctx context.Context) (users, error) {
	all := users{}
	if err := s.Read(ctx, UsersCollection, &all); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return all, nil
}

// modifyUsers runs fn against the current Users collection inside one store task.
func (s *Store) modifyUsers(ctx context.Context, fn func(all users) error) error {
	all := users{}
	return s.Modify(ctx, UsersCollection, &all, func() error {
		if all == nil {
			all = users{}
		}
		return fn(all)
	})
}

// CreateUser inserts a new account. passwordHash must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, address string, now time.Time) (*models.User, error) {
	var created models.User
	err := s.modifyUsers(ctx, func(all users) error {
		if _, exists := all[username]; exists {
			return ErrUserExists
		}
		u := &models.User{
			Username:         username,
			Password:         passwordHash,
			LastLogin:        now.Format(models.TimeLayout),
			LastLoginAddress: address,
			Friends:          []string{},
			FriendRequests:   []string{},
			AccountLevel:     1,
		}
		all[username] = u
		created = *u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}
	return &created, nil
}

// GetUser returns a copy of one account record.
func (s *Store) GetUser(ctx context.Context, username string) (*models.User, error) {
	all, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := all[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// UpdateLogin stamps the login time and remote address.
func (s *Store) UpdateLogin(ctx context.Context, username, address string, now time.Time) error {
	return s.modifyUsers(ctx, func(all users) error {
		u, ok := all[username]
		if !ok {
			return ErrUserNotFound
		}
		u.LastLogin = now.Format(models.TimeLayout)
		u.LastLoginAddress = address
		return nil
	})
}

// UpdateLogout adds the whole minutes since the last login to the lifetime counter.
func (s *Store) UpdateLogout(ctx context.Context, username string, now time.Time) error {
	return s.modifyUsers(ctx, func(all users) error {
		u, ok := all[username]
		if !ok {
			return ErrUserNotFound
		}
		last, err := time.ParseInLocation(models.TimeLayout, u.LastLogin, now.Location())
		if err != nil {
			return fmt.Errorf("parse last login of %s: %w", username, err)
		}
		if d := now.Sub(last); d > 0 {
			u.Lifetime += int(d.Minutes())
		}
		return nil
	})
}

// RecordRound applies a finished round to a player's counters and recomputes the level.
func (s *Store) RecordRound(ctx context.Context, username string, res models.RoundResult) error {
	return s.modifyUsers(ctx, func(all users) error {
		u, ok := all[username]
		if !ok {
			return ErrUserNotFound
		}
		u.GamesPlayed++
		if res.Won {
			u.GamesWon++
		}
		u.Playtime = math.Round((u.Playtime+res.PlaytimeMinutes)*100) / 100
		u.AccountExperience += res.Experience
		u.AccountLevel = rating.LevelForExperience(u.AccountExperience)
		return nil
	})
}
