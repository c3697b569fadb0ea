package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dashchat/internal"
	"dashchat/internal/app"
)

const (
	modeServer  = "server"
	modeClient  = "client"
	modeLocal   = "local"
	modeVersion = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	if mode == modeVersion {
		fmt.Println("dashchat", internal.Version)
		return
	}

	flagSet := flag.NewFlagSet("dashchat", flag.ExitOnError)
	configPath := flagSet.String("config", os.Getenv("DASHCHAT_CONFIG"), "path to a YAML config file")
	addr := flagSet.String("addr", "", "server listen address (overrides config)")
	db := flagSet.String("db", "", "sqlite database path (overrides config)")
	wsPath := flagSet.String("ws-path", "", "websocket path (overrides config)")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error (overrides config)")
	serverURL := flagSet.String("url", envOrDefault("DASHCHAT_SERVER", "ws://127.0.0.1:8080/ws"), "server websocket URL (client mode)")
	username := flagSet.String("user", os.Getenv("DASHCHAT_USER"), "username to log in with")
	password := flagSet.String("password", os.Getenv("DASHCHAT_PASSWORD"), "password; logs in without prompting when set")
	channel := flagSet.String("channel", "general", "channel to open first")
	requireToken := flagSet.Bool("require-token", true, "reject websocket registrations without a valid token (overrides config)")
	flagSet.Parse(args)
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	clientCfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
		Password:  *password,
		Channel:   *channel,
	}
	if mode == modeClient {
		exitOnError(app.RunClient(clientCfg))
		return
	}

	cfg, err := app.LoadConfig(*configPath)
	exitOnError(err)
	if *addr != "" {
		cfg.Addr = *addr
	} else if mode == modeLocal && os.Getenv("DASHCHAT_ADDR") == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if *db != "" {
		cfg.DBPath = *db
	}
	if *wsPath != "" {
		cfg.WSPath = app.NormalizeJoinPath(*wsPath)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if explicit["require-token"] {
		cfg.RequireToken = *requireToken
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg)
	case modeLocal:
		err = runLocalMode(ctx, cfg, clientCfg)
	}
	if !errors.Is(err, context.Canceled) {
		exitOnError(err)
	}
}

func runServerMode(ctx context.Context, cfg app.Config) error {
	logger := app.InitLogger(cfg.LogLevel, cfg.LogFormat)
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Debug("dashchat version", "version", internal.Version, "addr", handle.Addr())
	return handle.Wait()
}

// runLocalMode starts a private server on loopback and attaches the client to it.
func runLocalMode(ctx context.Context, cfg app.Config, clientCfg app.ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		cfg.JWTSecret = secret
	}

	logPath := filepath.Join(filepath.Dir(cfg.DBPath), "dashchat.log")
	logger, logFile, err := app.InitFileLogger(logPath, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), cfg.WSPath)
	logger.Info("launching local client", "url", clientCfg.ServerURL, "log", logPath)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	case "-v", "--version":
		return modeVersion, args[1:]
	}
	return modeClient, args
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "dashchat: %v\n", err)
	os.Exit(1)
}
