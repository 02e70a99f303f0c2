// internal/handlers/server.go
package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/auth"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/database"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/lobby"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/middleware"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/pool"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/session"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// requestTimeout bounds the store work done for a single command.
const requestTimeout = 5 * time.Second

// Deps are the collaborators the Server routes commands to.
type Deps struct {
	Store    *database.Store
	Hasher   auth.Hasher
	Tokens   *auth.TokenIssuer
	Lobbies  *lobby.Manager
	Security protocol.Security
	Workers  *pool.Pool

	WriteTimeout time.Duration
	RateLimit    float64
	RateBurst    int
}

// Server accepts client connections and dispatches their requests. Each
// connection is served start to finish by one worker of the pool.
type Server struct {
	logger *logrus.Logger
	Deps

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	online   map[string]*session.Session
	tokens   map[string]string     // token -> username
	queued   map[net.Conn]struct{} // accepted, waiting for a worker

	requests atomic.Uint64
	now      func() time.Time
}

// NewServer creates a Server. All Deps fields except the rate settings are required.
func NewServer(logger *logrus.Logger, deps Deps) *Server {
	return &Server{
		logger:   logger,
		Deps:     deps,
		sessions: make(map[uuid.UUID]*session.Session),
		online:   make(map[string]*session.Session),
		tokens:   make(map[string]string),
		queued:   make(map[net.Conn]struct{}),
		now:      time.Now,
	}
}

// Serve accepts TCP connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Infof("Listening on %s (%s)", ln.Addr(), s.Security.Name())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.enqueue(conn)
		if err := s.Workers.Submit(func() error { return s.HandleConn(conn, "tcp") }); err != nil {
			s.logger.Warnf("Rejecting %s: %v (%d active, %d queued)", conn.RemoteAddr(), err, s.Workers.Active(), s.Workers.Pending())
			s.dequeue(conn)
			conn.Close()
		}
	}
}

// WSHandler upgrades HTTP requests to websockets and serves them like TCP
// connections, one binary message per frame chunk.
func (s *Server) WSHandler() http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.logger.Warnf("WebSocket accept error from %s: %v", r.RemoteAddr, err)
			return
		}
		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)

		done := make(chan struct{})
		s.enqueue(conn)
		err = s.Workers.Submit(func() error {
			defer close(done)
			return s.HandleConn(conn, "ws")
		})
		if err != nil {
			s.logger.Warnf("Rejecting websocket %s: %v", r.RemoteAddr, err)
			s.dequeue(conn)
			c.Close(websocket.StatusTryAgainLater, "server is full")
			return
		}
		<-done
	})
	return middleware.LogMiddleware(s.logger)(h)
}

// HandleConn runs the handshake on conn and then serves requests until the
// connection fails. It always closes conn.
func (s *Server) HandleConn(conn net.Conn, transport string) error {
	s.dequeue(conn)
	remote := conn.RemoteAddr().String()
	middleware.LogConnect(s.logger, remote, transport, s.Security.Name())

	framer, err := s.Security.Handshake(conn)
	if err != nil {
		conn.Close()
		middleware.LogDisconnect(s.logger, remote, "", err)
		return err
	}

	sess := session.New(conn, framer, s.WriteTimeout, s.RateLimit, s.RateBurst)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	err = s.serve(sess)
	s.disconnect(sess)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	middleware.LogDisconnect(s.logger, remote, sess.Username(), err)
	return err
}

func (s *Server) serve(sess *session.Session) error {
	for {
		req, err := sess.ReadRequest()
		if err != nil {
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				return err
			}
			s.logger.WithField("remote", sess.RemoteAddr()).Debugf("Dropping request: %v", perr)
			if err := sess.Respond(perr.ID, http.StatusBadRequest, message(perr.Msg)); err != nil {
				return err
			}
			continue
		}

		if !sess.Allow() {
			if err := sess.Respond(req.ID, http.StatusTooManyRequests, message("Too Many Requests")); err != nil {
				return err
			}
			continue
		}

		start := time.Now()
		code, data := s.dispatch(sess, req)
		if err := sess.Respond(req.ID, code, data); err != nil {
			return err
		}
		middleware.LogRequest(s.logger, s.requests.Add(1), sess.RemoteAddr(), sess.Username(), req.Command, code, time.Since(start))
	}
}

// disconnect releases everything the session held: its login, its lobby seat
// (closing the lobby if it owned it) and finally the connection.
func (s *Server) disconnect(sess *session.Session) {
	username := sess.Username()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	if username != "" && s.online[username] == sess {
		delete(s.online, username)
	}
	if tok := sess.Token(); tok != "" {
		delete(s.tokens, tok)
	}
	s.mu.Unlock()

	if code, _ := sess.Lobby(); code != "" {
		if l, err := s.Lobbies.Get(code); err == nil {
			if l.IsOwner(sess) {
				l.Close()
				s.Lobbies.Remove(code)
			} else if _, err := l.Remove(sess); err != nil {
				s.logger.Warnf("Removing %s from lobby %s: %v", username, code, err)
			}
		}
	}

	if username != "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := s.Store.UpdateLogout(ctx, username, s.now()); err != nil {
			s.logger.Errorf("Failed to persist logout of %s: %v", username, err)
		}
		cancel()
	}
	sess.Close()
}

// Shutdown closes every lobby and connection, including connections still
// waiting in the pool queue. Workers finish on their own as their connections fail.
func (s *Server) Shutdown() {
	s.Lobbies.CloseAll()

	s.mu.Lock()
	all := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	waiting := make([]net.Conn, 0, len(s.queued))
	for conn := range s.queued {
		waiting = append(waiting, conn)
	}
	clear(s.queued)
	s.mu.Unlock()

	if len(waiting) > 0 {
		s.logger.Infof("Closing %d connections still waiting for a worker", len(waiting))
	}
	for _, sess := range all {
		sess.Close()
	}
	for _, conn := range waiting {
		conn.Close()
	}
}

func (s *Server) enqueue(conn net.Conn) {
	s.mu.Lock()
	s.queued[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) dequeue(conn net.Conn) {
	s.mu.Lock()
	delete(s.queued, conn)
	s.mu.Unlock()
}


// Online reports whether username has a live session.
func (s *Server) Online(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[username]
	return ok
}

// SessionCount is the number of live connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) sessionOf(username string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[username]
}

// pushTo delivers a push to username if they are online.
func (s *Server) pushTo(username, update string, data any) {
	target := s.sessionOf(username)
	if target == nil {
		return
	}
	if err := target.Push(update, data); err != nil {
		s.logger.Warnf("Push %s to %s failed: %v", update, username, err)
	}
}
