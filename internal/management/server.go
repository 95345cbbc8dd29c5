package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"egressd/audit"
	"egressd/internal/logging"
	"egressd/internal/ratelimit"
)

const (
	defaultStreamInterval = time.Second
	maxWriteBody          = 64 << 10
)

// Handler is a named introspection endpoint. A nil Read makes it write-only,
// a nil Write read-only.
type Handler struct {
	Read  func() (string, error)
	Write func(value string) error
}

type handlerInfo struct {
	Name  string `json:"name"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

type Server struct {
	snapshot       func() interface{}
	metrics        func() map[string]float64
	handlers       map[string]Handler
	streamInterval time.Duration
	streams        *ratelimit.SessionLimiter
	audit          *audit.Logger
	logger         *logging.Logger
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	done           chan struct{}
	closeOnce      sync.Once

	acl    []netip.Prefix
	aclMu  sync.RWMutex
	secret []byte
	authMu sync.RWMutex
}

func New(bind string, snapshot func() interface{}, logger *logging.Logger, opts ...Option) (*Server, error) {
	if bind == "" {
		bind = "127.0.0.1:7777"
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		snapshot:       snapshot,
		handlers:       make(map[string]Handler),
		streamInterval: defaultStreamInterval,
		logger:         logger,
		listener:       listener,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return srv.allowed(r.RemoteAddr) },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/state", srv.handleState)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/handlers", srv.handleList)
	mux.HandleFunc("/handlers/{name}", srv.handleHandler)
	mux.HandleFunc("/stream", srv.handleStream)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("management server started", map[string]interface{}{"addr": s.listener.Addr().String()})
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("management server error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) SetACL(prefixes []netip.Prefix) {
	s.aclMu.Lock()
	s.acl = append([]netip.Prefix(nil), prefixes...)
	s.aclMu.Unlock()
}

// SetTokenSecret turns bearer token checks on handler writes on, or off for
// an empty secret.
func (s *Server) SetTokenSecret(secret string) {
	s.authMu.Lock()
	if secret == "" {
		s.secret = nil
	} else {
		s.secret = []byte(secret)
	}
	s.authMu.Unlock()
}

func (s *Server) allowed(remote string) bool {
	s.aclMu.RLock()
	acl := s.acl
	s.aclMu.RUnlock()
	if len(acl) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range acl {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// authorize checks the bearer token of a write request. The subject is
// returned for logging.
func (s *Server) authorize(r *http.Request) (string, error) {
	s.authMu.RLock()
	secret := s.secret
	s.authMu.RUnlock()
	if secret == nil {
		return "", nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	subject, _ := token.Claims.GetSubject()
	return subject, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	payload, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	values := s.metrics()
	lines := make([]string, 0, len(values))
	for name, value := range values {
		sanitized := strings.ReplaceAll(name, " ", "_")
		lines = append(lines, sanitized+" "+formatFloat(value))
	}
	sort.Strings(lines)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, line := range lines {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	list := make([]handlerInfo, 0, len(s.handlers))
	for name, h := range s.handlers {
		list = append(list, handlerInfo{Name: name, Read: h.Read != nil, Write: h.Write != nil})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) handleHandler(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	name := r.PathValue("name")
	h, ok := s.handlers[name]
	if !ok {
		http.Error(w, "no such handler", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if h.Read == nil {
			http.Error(w, "handler is write-only", http.StatusMethodNotAllowed)
			return
		}
		value, err := h.Read()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, value+"\n")
	case http.MethodPost, http.MethodPut:
		if h.Write == nil {
			http.Error(w, "handler is read-only", http.StatusMethodNotAllowed)
			return
		}
		subject, err := s.authorize(r)
		if err != nil {
			s.logger.Warn("handler write rejected", map[string]interface{}{"handler": name, "error": err.Error()})
			if s.audit != nil {
				_ = s.audit.LogDenied(remoteHost(r.RemoteAddr), name, err.Error())
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		value := strings.TrimSpace(string(body))
		err = h.Write(value)
		if s.audit != nil {
			_ = s.audit.LogWrite(subject, remoteHost(r.RemoteAddr), name, value, err)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info("handler written", map[string]interface{}{"handler": name, "subject": subject})
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStream pushes a JSON snapshot over a websocket every stream
// interval until the client goes away or the server closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.streams != nil {
		if !s.streams.Acquire() {
			http.Error(w, "too many streams", http.StatusTooManyRequests)
			return
		}
		defer s.streams.Release()
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func formatFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}

// Option allows callers to customise the management server during construction.
type Option func(*Server)

// WithMetrics registers a metrics callback that will be exposed over the /metrics endpoint.
func WithMetrics(fn func() map[string]float64) Option {
	return func(s *Server) {
		s.metrics = fn
	}
}

func WithACL(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.SetACL(prefixes)
	}
}

// WithHandler exposes h under /handlers/{name}.
func WithHandler(name string, h Handler) Option {
	return func(s *Server) {
		s.handlers[name] = h
	}
}

func WithTokenSecret(secret string) Option {
	return func(s *Server) {
		s.SetTokenSecret(secret)
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// WithStreamLimiter bounds concurrent and newly opened /stream sessions.
func WithStreamLimiter(l *ratelimit.SessionLimiter) Option {
	return func(s *Server) {
		s.streams = l
	}
}

// WithAudit records every handler write, allowed or not, to l.
func WithAudit(l *audit.Logger) Option {
	return func(s *Server) {
		s.audit = l
	}
}
