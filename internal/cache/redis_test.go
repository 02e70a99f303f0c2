package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutRedis(t *testing.T) {
	Rdb = nil
	assert.False(t, Enabled())
	assert.NoError(t, PublishRoundAction(context.Background(), RoundActionRecord{ActionType: ActionMove}))
}

func TestRoundActionRecordJSON(t *testing.T) {
	id := uuid.New()
	b, err := json.Marshal(RoundActionRecord{
		RoundID:       id,
		LobbyCode:     "123456",
		ActionIndex:   3,
		Actor:         "alice",
		ActionType:    ActionMistake,
		ActionPayload: map[string]any{"row": 1},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id.String(), out["round_id"])
	assert.Equal(t, "123456", out["lobby_code"])
	assert.Equal(t, "mistake", out["action_type"])
	assert.Equal(t, float64(3), out["action_index"])
}
