// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup; when it
// stays nil, round history is simply not recorded.
var Rdb *redis.Client

// DefaultQueueName is the Redis list (queue) name for round action logs.
var DefaultQueueName = "sudoku_actions"

// QueueName is the list PublishRoundAction pushes to.
var QueueName = DefaultQueueName

// Action types published during a round.
const (
	ActionRoundStart = "round_start"
	ActionMove       = "move"
	ActionMistake    = "mistake"
	ActionEliminated = "eliminated"
	ActionRoundEnd   = "round_end"
)

// RoundActionRecord holds the minimal info needed by the historian service.
type RoundActionRecord struct {
	RoundID       uuid.UUID      `json:"round_id"`
	LobbyCode     string         `json:"lobby_code"`
	ActionIndex   int            `json:"action_index"`
	Actor         string         `json:"actor"`
	ActionType    string         `json:"action_type"`
	ActionPayload map[string]any `json:"action_payload"`
	Timestamp     int64          `json:"timestamp"`
}

// ConnectRedis initializes the global Redis client and checks it with a ping.
func ConnectRedis(addr string, db int) error {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	Rdb = client
	return nil
}

// Enabled reports whether a Redis client is configured.
func Enabled() bool { return Rdb != nil }

// PublishRoundAction serializes the given record to JSON, then pushes it to the Redis queue.
func PublishRoundAction(ctx context.Context, record RoundActionRecord) error {
	if Rdb == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal RoundActionRecord: %w", err)
	}
	if err := Rdb.RPush(ctx, QueueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", QueueName, err)
	}
	return nil
}
