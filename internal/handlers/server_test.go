// internal/handlers/server_test.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/auth"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/config"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/database"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/lobby"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/pool"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fixedProvider always deals the same solution with the first row's first two cells open.
type fixedProvider struct{}

func testSolution() puzzle.Grid {
	var g puzzle.Grid
	for r := 0; r < puzzle.Size; r++ {
		for c := 0; c < puzzle.Size; c++ {
			g[r][c] = (r*3+r/3+c)%9 + 1
		}
	}
	return g
}

func (fixedProvider) Generate(difficulty string) (puzzle.Grid, puzzle.Grid, error) {
	if err := puzzle.CheckDifficulty(difficulty); err != nil {
		return puzzle.Grid{}, puzzle.Grid{}, err
	}
	solution := testSolution()
	board := solution
	board[0][0], board[0][1] = 0, 0
	return solution, board, nil
}

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()
	store, err := database.Open(t.TempDir(), config.ProfileTests)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	tokens, err := auth.NewTokenIssuer(0)
	require.NoError(t, err)

	workers := pool.New(4, 4)
	t.Cleanup(func() { workers.Shutdown(false) })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	deps := Deps{
		Store:   store,
		Hasher:  auth.NewPasswordHasher(auth.NewParams(1024, 1, 1)),
		Tokens:  tokens,
		Lobbies: lobby.NewManager(fixedProvider{}, store, lobby.Config{RoundDuration: time.Hour, PollInterval: 10 * time.Millisecond}),
		Security: &protocol.Plain{},
		Workers:  workers,

		WriteTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := NewServer(logger, deps)
	t.Cleanup(srv.Shutdown)
	return srv
}

// testClient speaks the plain protocol over one end of a net.Pipe.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	f      protocol.Framer
	nextID int64
	token  string

	responses chan *protocol.Response
	pushes    chan *protocol.Push
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go srv.HandleConn(server, "pipe")

	c := &testClient{
		t:         t,
		conn:      client,
		f:         protocol.NewPlainFramer(client, 0),
		responses: make(chan *protocol.Response, 64),
		pushes:    make(chan *protocol.Push, 256),
	}
	go c.readLoop()
	t.Cleanup(func() { client.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		frame, err := c.f.ReadFrame()
		if err != nil {
			return
		}
		resp, push, err := protocol.DecodeServerMessage(frame)
		if err != nil {
			continue
		}
		if resp != nil {
			c.responses <- resp
		} else {
			c.pushes <- push
		}
	}
}

func (c *testClient) sendRaw(b []byte) *protocol.Response {
	c.t.Helper()
	require.NoError(c.t, c.f.WriteFrame(b))
	select {
	case resp := <-c.responses:
		return resp
	case <-time.After(waitFor):
		c.t.Fatalf("no response")
		return nil
	}
}

// send issues command and returns the status code and decoded data.
func (c *testClient) send(command string, data map[string]any) (int, map[string]any) {
	c.t.Helper()
	c.nextID++
	b, err := protocol.EncodeRequest(c.nextID, command, data, c.token)
	require.NoError(c.t, err)
	resp := c.sendRaw(b)
	require.Equal(c.t, c.nextID, resp.ID)

	var body map[string]any
	if len(resp.Data) > 0 {
		require.NoError(c.t, json.Unmarshal(resp.Data, &body))
	}
	return resp.StatusCode, body
}

// expectPush skips pushes until one named update arrives.
func (c *testClient) expectPush(update string) map[string]any {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case p := <-c.pushes:
			if p.Update != update {
				continue
			}
			var body map[string]any
			if len(p.Data) > 0 {
				require.NoError(c.t, json.Unmarshal(p.Data, &body))
			}
			return body
		case <-deadline:
			c.t.Fatalf("push %s never arrived", update)
			return nil
		}
	}
}

func (c *testClient) register(username string) {
	c.t.Helper()
	code, body := c.send("Register", map[string]any{"Username": username, "Password": "pw-" + username})
	require.Equal(c.t, http.StatusCreated, code, body)
	c.token = body["Token"].(string)
}

func TestRegisterAndLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	first := newTestClient(t, srv)
	first.register("alice")
	assert.True(t, srv.Online("alice"))

	dup := newTestClient(t, srv)
	code, body := dup.send("Register", map[string]any{"Username": "alice", "Password": "x"})
	assert.Equal(t, http.StatusConflict, code, body)

	code, body = dup.send("Login", map[string]any{"Username": "alice", "Password": "wrong"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Invalid Credentials", body["Msg"])

	code, _ = dup.send("Login", map[string]any{"Username": "nobody", "Password": "x"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = dup.send("Login", map[string]any{"Username": "alice", "Password": "pw-alice"})
	assert.Equal(t, http.StatusConflict, code, "alice is still online elsewhere")

	first.conn.Close()
	require.Eventually(t, func() bool { return !srv.Online("alice") }, waitFor, 10*time.Millisecond)

	code, body = dup.send("Login", map[string]any{"Username": "alice", "Password": "pw-alice"})
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["Token"])
	assert.Contains(t, body, "Friends")

	code, _ = dup.send("Register", map[string]any{"Username": "", "Password": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProtocolErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	resp := c.sendRaw([]byte(`{"Id":5,"Command":"Login","Data":{},"Checksum":"00"}`))
	assert.Equal(t, int64(5), resp.ID)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(resp.Data), "Invalid Checksum")

	resp = c.sendRaw([]byte(`not json`))
	assert.Equal(t, protocol.UnknownID, resp.ID)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, body := c.send("Dance", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Unknown Command", body["Msg"])

	// command names are case-insensitive
	code, _ = c.send("REGISTER", map[string]any{"Username": "bob", "Password": "pw"})
	assert.Equal(t, http.StatusCreated, code)
}

func TestTokenRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	code, _ := c.send("Create_Lobby", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	c.register("carol")
	good := c.token
	c.token = "forged"
	code, body := c.send("Create_Lobby", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid Token", body["Msg"])

	c.token = good
	code, _ = c.send("Create_Lobby", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestTokenMustBeLive(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)
	c.register("dave")

	srv.mu.Lock()
	assert.Equal(t, "dave", srv.tokens[c.token])
	delete(srv.tokens, c.token)
	srv.mu.Unlock()

	code, body := c.send("Create_Lobby", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid Token", body["Msg"])
}

func TestShutdownClosesQueuedConnections(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.Workers = pool.New(1, 4)
	})
	t.Cleanup(func() { srv.Workers.Shutdown(false) })

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, srv.Workers.Submit(func() error {
		<-release
		return nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.queued) == 1
	}, waitFor, 10*time.Millisecond)

	srv.Shutdown()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.RateLimit = 0.01
		d.RateBurst = 1
	})
	c := newTestClient(t, srv)

	code, _ := c.send("Dance", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = c.send("Dance", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestStatusFor(t *testing.T) {
	code, known := statusFor(lobby.ErrBanned)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, lobby.ErrBanned, known)

	code, _ = statusFor(database.ErrUserNotFound)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = statusFor(fmt.Errorf("generate puzzle: %w", puzzle.ErrUnknownDifficulty))
	assert.Equal(t, http.StatusBadRequest, code)

	code, known = statusFor(io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Nil(t, known)
}
