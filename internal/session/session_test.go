package session

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T, limit float64, burst int) (*Session, protocol.Framer) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	s := New(server, protocol.NewPlainFramer(server, 0), time.Second, limit, burst)
	return s, protocol.NewPlainFramer(client, 0)
}

func TestReadRequestAndRespond(t *testing.T) {
	s, client := newPipeSession(t, 0, 0)

	go func() {
		b, _ := protocol.EncodeRequest(7, "Login", map[string]any{"Username": "a"}, "")
		client.WriteFrame(b)
	}()
	req, err := s.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(7), req.ID)
	assert.Equal(t, "Login", req.Command)

	go s.Respond(req.ID, 200, map[string]any{"Msg": "ok"})
	frame, err := client.ReadFrame()
	require.NoError(t, err)
	resp, push, err := protocol.DecodeServerMessage(frame)
	require.NoError(t, err)
	assert.Nil(t, push)
	assert.Equal(t, int64(7), resp.ID)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestReadRequestProtocolError(t *testing.T) {
	s, client := newPipeSession(t, 0, 0)

	go client.WriteFrame([]byte(`{"Id": 3}`))
	_, err := s.ReadRequest()
	var perr *protocol.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, int64(3), perr.ID)
}

func TestPushAfterClose(t *testing.T) {
	s, _ := newPipeSession(t, 0, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Push("Leaderboard", nil), ErrClosed)
}

func TestWriteDeadline(t *testing.T) {
	s, _ := newPipeSession(t, 0, 0)
	s.writeTimeout = 20 * time.Millisecond
	// nobody reads the client side, so the write must time out
	err := s.Push("Chat_Message", map[string]any{"Message": "hi"})
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	s, _ := newPipeSession(t, 1, 2)
	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.False(t, s.Allow())

	unlimited, _ := newPipeSession(t, 0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}
}

func TestAuthAndLobbyState(t *testing.T) {
	s, _ := newPipeSession(t, 0, 0)
	assert.False(t, s.Authenticated())
	assert.False(t, s.CheckToken(""))

	s.SetAuth("alice", "tok")
	assert.True(t, s.Authenticated())
	assert.True(t, s.CheckToken("tok"))
	assert.False(t, s.CheckToken("other"))
	assert.Equal(t, "alice", s.Username())

	s.SetLobby("123456", models.RolePlayer)
	code, role := s.Lobby()
	assert.Equal(t, "123456", code)
	assert.Equal(t, models.RolePlayer, role)
	assert.True(t, s.InLobby())
	s.SetLobby("", models.RoleNone)
	assert.False(t, s.InLobby())
}
