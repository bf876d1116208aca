package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openworkshop/grblbridge/internal/config"
	"github.com/openworkshop/grblbridge/internal/db"
	"github.com/openworkshop/grblbridge/internal/httputil"
	"github.com/openworkshop/grblbridge/internal/relay"
	"github.com/openworkshop/grblbridge/internal/serialmux"
	"github.com/openworkshop/grblbridge/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves the websocket bridge endpoint and the JSON API around it.
type Server struct {
	baseCtx context.Context
	m       serialmux.SerialMuxInterface
	db      *db.DB
	relay   *relay.Relay
	cfg     *config.Config

	activeMu sync.Mutex
	active   int
}

// NewServer creates an API server over the given serial mux. baseCtx bounds
// the lifetime of all bridge sessions: cancelling it (shutdown) tears down
// any session still running. database may be nil to disable persistence.
func NewServer(baseCtx context.Context, m serialmux.SerialMuxInterface, database *db.DB, cfg *config.Config) *Server {
	var rec relay.Recorder
	if database != nil {
		rec = database
	}
	return &Server{
		baseCtx: baseCtx,
		m:       m,
		db:      database,
		relay:   relay.New(m, rec),
		cfg:     cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/history", s.listHistory)
	return mux
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}

	if err := s.m.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}

// StatusResponse reports the bridge state for /api/status.
type StatusResponse struct {
	Version        string `json:"version"`
	SerialPort     string `json:"serial_port"`
	BaudRate       int    `json:"baud_rate"`
	ActiveSessions int    `json:"active_sessions"`
	MaxClients     int    `json:"max_clients"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	s.activeMu.Lock()
	active := s.active
	s.activeMu.Unlock()

	httputil.WriteJSONOK(w, StatusResponse{
		Version:        version.Version,
		SerialPort:     s.cfg.SerialPort,
		BaudRate:       s.cfg.BaudRate,
		ActiveSessions: active,
		MaxClients:     s.cfg.MaxClients,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "session log disabled")
		return
	}

	limit := queryLimit(r, 50)
	sessions, err := s.db.RecentSessions(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []db.SessionRow{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "traffic log disabled")
		return
	}

	limit := queryLimit(r, 100)
	commands, err := s.db.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list history")
		return
	}
	if commands == nil {
		commands = []db.CommandRow{}
	}
	httputil.WriteJSONOK(w, commands)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 1000 {
		return fallback
	}
	return limit
}
