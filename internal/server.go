package internal

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"dashchat/internal/storage"
)

type ServerOptions struct {
	JWTSecret                string
	TokenTTL                 time.Duration
	Admins                   []string
	AuthLimiter              Limiter
	TrustProxy               bool
	StoreTimeout             time.Duration
	SendBuffer               int
	MessageBurst             int
	MessageWindow            time.Duration
	MaxMessageLength         int
	// AllowTokenlessRegister lets a websocket register without a token. Off by default.
	AllowTokenlessRegister   bool
	RequireChannelMembership bool
	Logger                   *slog.Logger
}

// Server owns the shared state of one deployment: the hub, presence, the messaging
// components and the REST handlers on top of them.
type Server struct {
	store       *storage.Store
	hub         *Hub
	presence    *PresenceTracker
	gateway     *Gateway
	channels    *ChannelRouter
	direct      *DirectMessenger
	unread      *UnreadAggregator
	tokens      *TokenAuthority
	authLimiter Limiter
	metrics     *Metrics
	admins      map[string]struct{}
	trustProxy  bool
	log         *slog.Logger
}

func NewServer(store *storage.Store, opts ServerOptions) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tokens, err := NewTokenAuthority(opts.JWTSecret, opts.TokenTTL)
	if err != nil {
		return nil, err
	}
	limiter := opts.AuthLimiter
	if limiter == nil {
		limiter = NewRateLimiter(10, time.Minute)
	}

	presence := NewPresenceTracker()
	metrics := NewMetrics().WithPresence(presence)
	hub := NewHub(log.With("component", "hub"))
	channels := NewChannelRouter(store, hub, metrics, log.With("component", "channels"), ChannelRouterOptions{
		MaxMessageLength:  opts.MaxMessageLength,
		RequireMembership: opts.RequireChannelMembership,
	})
	direct := NewDirectMessenger(store, hub, metrics, log.With("component", "direct"), opts.MaxMessageLength)
	gateway := NewGateway(hub, presence, channels, direct, store, tokens, metrics, log.With("component", "gateway"), GatewayOptions{
		StoreTimeout:  opts.StoreTimeout,
		SendBuffer:    opts.SendBuffer,
		MessageBurst:  opts.MessageBurst,
		MessageWindow: opts.MessageWindow,
		RequireToken:  !opts.AllowTokenlessRegister,
	})

	return &Server{
		store:       store,
		hub:         hub,
		presence:    presence,
		gateway:     gateway,
		channels:    channels,
		direct:      direct,
		unread:      NewUnreadAggregator(store),
		tokens:      tokens,
		authLimiter: limiter,
		metrics:     metrics,
		admins:      lo.SliceToMap(opts.Admins, func(name string) (string, struct{}) { return name, struct{}{} }),
		trustProxy:  opts.TrustProxy,
		log:         log,
	}, nil
}

func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) Presence() *PresenceTracker {
	return s.presence
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// Routes builds the HTTP surface: the websocket endpoint at wsPath plus the REST API.
func (s *Server) Routes(wsPath string) http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestLog)

	r.HandleFunc(wsPath, s.gateway.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/signup", s.HandleSignup).Methods(http.MethodPost)
	r.HandleFunc("/login", s.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	r.HandleFunc("/channels", s.authenticated(s.HandleListChannels)).Methods(http.MethodGet)
	r.HandleFunc("/channels", s.authenticated(s.HandleCreateChannel)).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/members", s.authenticated(s.HandleAddChannelMember)).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/messages", s.authenticated(s.HandleChannelHistory)).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.authenticated(s.HandleEditMessage)).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id}", s.authenticated(s.HandleDeleteMessage)).Methods(http.MethodDelete)
	r.HandleFunc("/direct/{identity}/messages", s.authenticated(s.HandleConversation)).Methods(http.MethodGet)
	r.HandleFunc("/direct/{identity}/seen", s.authenticated(s.HandleMarkSeen)).Methods(http.MethodPost)
	r.HandleFunc("/unread", s.authenticated(s.HandleUnread)).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.authenticated(s.HandlePresence)).Methods(http.MethodGet)
	return r
}

// Shutdown closes every websocket; the HTTP server is stopped by its owner.
func (s *Server) Shutdown() {
	s.gateway.CloseAll()
}

type identityHandler func(w http.ResponseWriter, r *http.Request, caller Identity)

func (s *Server) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.tokens.IdentityFromRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, caller)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working behind the logging middleware.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
