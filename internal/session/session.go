// internal/session/session.go
package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/models"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrClosed is returned when writing to a session after Close.
var ErrClosed = errors.New("session is closed")

// Session is one client connection after its transport handshake. Reads happen
// on the connection's own worker only; writes may come from any goroutine.
type Session struct {
	ID uuid.UUID

	conn         net.Conn
	framer       protocol.Framer
	writeMu      sync.Mutex
	writeTimeout time.Duration
	limiter      *rate.Limiter

	mu        sync.Mutex
	token     string
	username  string
	lobbyCode string
	role      models.Role
	closed    bool
}

// New wraps conn. A limit <= 0 disables rate limiting.
func New(conn net.Conn, framer protocol.Framer, writeTimeout time.Duration, limit float64, burst int) *Session {
	lim := rate.NewLimiter(rate.Inf, 0)
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return &Session{
		ID:           uuid.New(),
		conn:         conn,
		framer:       framer,
		writeTimeout: writeTimeout,
		limiter:      lim,
	}
}

// RemoteAddr is the peer address as a string.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ReadRequest blocks for the next request. A *protocol.ProtocolError means the
// frame was bad but the stream is intact; any other error is fatal.
func (s *Session) ReadRequest() (*protocol.Request, error) {
	frame, err := s.framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRequest(frame)
}

// Allow reports whether the session may issue another request now.
func (s *Session) Allow() bool { return s.limiter.Allow() }

// Respond answers the request with the given id.
func (s *Session) Respond(id int64, code int, data any) error {
	b, err := protocol.EncodeResponse(id, code, data)
	if err != nil {
		return err
	}
	return s.write(b)
}

// Push sends an unsolicited update.
func (s *Session) Push(update string, data any) error {
	b, err := protocol.EncodePush(update, data)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			log.WithField("session", s.ID).Debugf("set write deadline: %v", err)
		}
	}
	return s.framer.WriteFrame(b)
}

// Username is empty until the session logs in.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Token returns the auth token issued at login.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Authenticated reports whether the session has logged in.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username != ""
}

// SetAuth marks the session as logged in as username.
func (s *Session) SetAuth(username, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.token = username, token
}

// CheckToken reports whether token matches the one issued to this session.
func (s *Session) CheckToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != "" && token == s.token
}

// SetLobby records the lobby the session belongs to; ("", RoleNone) detaches it.
func (s *Session) SetLobby(code string, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lobbyCode, s.role = code, role
}

// Lobby returns the current lobby code and role.
func (s *Session) Lobby() (string, models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbyCode, s.role
}

// InLobby reports whether the session belongs to a lobby.
func (s *Session) InLobby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbyCode != ""
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
