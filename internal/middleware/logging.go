// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogMiddleware is an HTTP middleware that logs the websocket upgrade requests
// reaching the optional websocket listener.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP Request")
		})
	}
}

// LogConnect logs a client connecting over the given transport ("tcp" or "ws").
func LogConnect(logger *logrus.Logger, remoteAddr, transport, security string) {
	logger.WithFields(logrus.Fields{
		"remote":    remoteAddr,
		"transport": transport,
		"security":  security,
	}).Info("Client connected")
}

// LogDisconnect logs a client going away. err is the read error that ended the
// session, nil on a clean close.
func LogDisconnect(logger *logrus.Logger, remoteAddr, username string, err error) {
	fields := logrus.Fields{"remote": remoteAddr}
	if username != "" {
		fields["user"] = username
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("Client disconnected")
}

// LogRequest logs one handled command. seq is the server-wide request counter.
func LogRequest(logger *logrus.Logger, seq uint64, remoteAddr, username, command string, status int, duration time.Duration) {
	entry := logger.WithFields(logrus.Fields{
		"seq":      seq,
		"remote":   remoteAddr,
		"user":     username,
		"command":  command,
		"status":   status,
		"duration": duration,
	})
	if status >= 400 {
		entry.Warn("Request failed")
		return
	}
	entry.Info("Request")
}
