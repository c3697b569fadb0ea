package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	intrnl "dashchat/internal"
	"dashchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	chat    *intrnl.Server
	store   *storage.Store
	limiter *intrnl.RedisLimiter
	log     *slog.Logger
	done    chan struct{}
	err     error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop closes live websockets and then shuts the HTTP server down gracefully.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.chat.Shutdown()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the messaging server and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg Config, log *slog.Logger) (*ServerHandle, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.WSPath = NormalizeJoinPath(cfg.WSPath)

	if !strings.HasPrefix(cfg.DBPath, "sqlite://") && !strings.HasPrefix(cfg.DBPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var (
		authLimiter  intrnl.Limiter = intrnl.NewRateLimiter(cfg.AuthRatePerMin, time.Minute)
		redisLimiter *intrnl.RedisLimiter
	)
	if cfg.RedisAddr != "" {
		redisLimiter, err = intrnl.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, "dashchat:ratelimit:auth", cfg.AuthRatePerMin, time.Minute)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis limiter: %w", err)
		}
		authLimiter = redisLimiter
	}

	chat, err := intrnl.NewServer(store, intrnl.ServerOptions{
		JWTSecret:                cfg.JWTSecret,
		TokenTTL:                 cfg.TokenTTL,
		Admins:                   cfg.Admins,
		AuthLimiter:              authLimiter,
		TrustProxy:               cfg.TrustProxy,
		StoreTimeout:             cfg.StoreTimeout,
		SendBuffer:               cfg.SendBuffer,
		MessageBurst:             cfg.MessageBurst,
		MessageWindow:            cfg.MessageWindow,
		MaxMessageLength:         cfg.MaxMessageChars,
		AllowTokenlessRegister:   !cfg.RequireToken,
		RequireChannelMembership: cfg.RequireChannelMembership,
		Logger:                   log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chat.Routes(cfg.WSPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		chat:    chat,
		store:   store,
		limiter: redisLimiter,
		log:     log,
		done:    make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server shutdown", "err", err)
		}
	}()

	go handle.serve(listener)

	log.Info("server listening", "addr", handle.addr, "ws", cfg.WSPath, "db", cfg.DBPath, "redis", cfg.RedisAddr != "")
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if h.limiter != nil {
		if err := h.limiter.Close(); err != nil {
			h.log.Warn("redis limiter close", "err", err)
		}
	}
	if err := h.store.Close(); err != nil {
		h.log.Error("store close", "err", err)
	}
	h.err = err
}
