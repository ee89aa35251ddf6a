package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/auth"
	"ovpn-node/pkg/model"
)

// ClientTable receives client connect and disconnect callouts.
type ClientTable interface {
	Connected(stats model.ClientStats)
	Disconnected(ctx context.Context, clientID string, received, sent uint64)
}

// UserAuthenticator checks username and one-time password pairs.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, serverID, username, password string) (bool, error)
}

// TokenParser validates the bearer token embedded in helper scripts.
type TokenParser interface {
	Parse(token string) (*auth.HookClaims, error)
}

type instance struct {
	serverID   string
	clients    ClientTable
	finalizing bool
}

// Server answers the callouts made by openvpn helper scripts on loopback.
// Callouts for instances that are unknown or being finalized are refused.
type Server struct {
	tokens TokenParser
	users  UserAuthenticator
	log    zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	status    func() []model.RunningInstance
}

func NewServer(tokens TokenParser, users UserAuthenticator, log zerolog.Logger) *Server {
	return &Server{tokens: tokens, users: users, log: log, instances: map[string]*instance{}}
}

// Register starts accepting callouts for instanceID.
func (s *Server) Register(instanceID, serverID string, clients ClientTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instanceID] = &instance{serverID: serverID, clients: clients}
}

// MarkFinalizing refuses new clients for instanceID while disconnects are
// still accounted.
func (s *Server) MarkFinalizing(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[instanceID]; ok {
		in.finalizing = true
	}
}

func (s *Server) Unregister(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
}

// SetStatus exposes the node's running instances on GET /status.
func (s *Server) SetStatus(fn func() []model.RunningInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()
	list := []model.RunningInstance{}
	if fn != nil {
		list = fn()
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

// RegisterRoutes wires the callout handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/hooks/pre-auth", s.callout(true, s.preAuth))
	mux.HandleFunc("/hooks/client-connect", s.callout(true, s.connect))
	mux.HandleFunc("/hooks/client-disconnect", s.callout(false, s.disconnect))
	mux.HandleFunc("/hooks/user-auth", s.callout(true, s.userAuth))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("hook server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, in *instance, claims *auth.HookClaims)

func (s *Server) callout(refuseFinalizing bool, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := s.tokens.Parse(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.RLock()
		in, ok := s.instances[claims.InstanceID]
		var finalizing bool
		if ok {
			finalizing = in.finalizing
		}
		s.mu.RUnlock()
		if !ok || in.serverID != claims.ServerID || (refuseFinalizing && finalizing) {
			http.Error(w, "instance not accepting clients", http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		h(w, r, in, claims)
	}
}

// commonName prefers the common_name variable and falls back to the CN of
// the certificate subject passed to tls-verify.
func commonName(r *http.Request) string {
	if cn := r.PostForm.Get("common_name"); cn != "" {
		return cn
	}
	subject := r.PostForm.Get("subject")
	for _, part := range strings.FieldsFunc(subject, func(c rune) bool { return c == ',' || c == '/' }) {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "CN="); ok {
			return v
		}
	}
	return ""
}

func (s *Server) preAuth(w http.ResponseWriter, r *http.Request, in *instance, claims *auth.HookClaims) {
	// depths above zero are CA certificates in the chain
	if d := r.PostForm.Get("depth"); d != "" && d != "0" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	cn := commonName(r)
	if cn == "" {
		http.Error(w, "missing common name", http.StatusForbidden)
		return
	}
	s.log.Debug().Str("instance", claims.InstanceID).Str("client", cn).Msg("pre-auth accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request, in *instance, claims *auth.HookClaims) {
	cn := commonName(r)
	if cn == "" {
		http.Error(w, "missing common name", http.StatusBadRequest)
		return
	}
	stats := model.ClientStats{
		ClientID:       cn,
		RealAddress:    joinAddr(r.PostForm.Get("untrusted_ip"), r.PostForm.Get("untrusted_port")),
		VirtualAddress: r.PostForm.Get("ifconfig_pool_remote_ip"),
	}
	if sec, err := strconv.ParseInt(r.PostForm.Get("time_unix"), 10, 64); err == nil && sec > 0 {
		stats.ConnectedSince = time.Unix(sec, 0).UTC()
	}
	in.clients.Connected(stats)
	s.log.Info().Str("instance", claims.InstanceID).Str("client", cn).Str("vip", stats.VirtualAddress).Msg("client connected")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request, in *instance, claims *auth.HookClaims) {
	cn := commonName(r)
	rx, _ := strconv.ParseUint(r.PostForm.Get("bytes_received"), 10, 64)
	tx, _ := strconv.ParseUint(r.PostForm.Get("bytes_sent"), 10, 64)
	in.clients.Disconnected(r.Context(), cn, rx, tx)
	s.log.Info().Str("instance", claims.InstanceID).Str("client", cn).Uint64("rx", rx).Uint64("tx", tx).Msg("client disconnected")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) userAuth(w http.ResponseWriter, r *http.Request, in *instance, claims *auth.HookClaims) {
	if s.users == nil {
		http.Error(w, "user auth not configured", http.StatusForbidden)
		return
	}
	ok, err := s.users.Authenticate(r.Context(), in.serverID, r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		s.log.Warn().Err(err).Str("instance", claims.InstanceID).Msg("user auth failed")
		http.Error(w, "auth backend error", http.StatusForbidden)
		return
	}
	if !ok {
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func joinAddr(ip, port string) string {
	if ip == "" {
		return ""
	}
	if port == "" {
		return ip
	}
	return net.JoinHostPort(ip, port)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
