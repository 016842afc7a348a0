// Command chat-server is the chansock demo server: a small chat room
// that pushes messages to every connected user over WebSocket or Ajax
// long-polling, persists history in SQLite, and replays recent history
// to newly connected users. It loads a YAML configuration file and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chansock/chansock/adapter/gws"
	"github.com/chansock/chansock/auth"
	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/internal/config"
	"github.com/chansock/chansock/internal/history"
	"github.com/chansock/chansock/router"
	"github.com/chansock/chansock/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("chat server starting", slog.String("listen_addr", cfg.ListenAddr))

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Error("failed to open history store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	srvCfg := server.Config{
		AllowedOrigins: nil,
		Logger:         logger,
	}
	if len(cfg.AllowedOrigins) > 0 {
		srvCfg.AllowedOrigins = cfg.AllowedOrigins
	}
	if cfg.JWTSecret != "" {
		srvCfg.UserIDFn = auth.JWTUserID([]byte(cfg.JWTSecret))
		logger.Info("JWT user identification enabled")
	}
	if cfg.CSRFKey != "" {
		// The reference token is derived from the client id, which the
		// page hands out alongside the token at render time.
		srvCfg.CSRFTokenFn = auth.HMACCSRFTokenFn([]byte(cfg.CSRFKey),
			func(r *http.Request) string { return r.FormValue("client-id") })
		logger.Info("CSRF check enabled")
	}

	srv := server.New(gws.New(logger), srvCfg)

	chat := &chatHandlers{
		srv:          srv,
		store:        store,
		historyLimit: cfg.HistoryLimit,
		logger:       logger,
	}
	rt := router.New(srv.Recv(), chat.handle, router.Options{Logger: logger})
	defer rt.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/chsk", srv.HandleGet)
	r.Post("/chsk", srv.HandlePost)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
		// No WriteTimeout: long-polls legitimately hold responses open
		// for the server's LPTimeout.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}
	logger.Info("chat server stopped")
}

// chatHandlers implements the chat-room event semantics on top of the
// chansock receive channel.
type chatHandlers struct {
	srv          *server.Server
	store        *history.Store
	historyLimit int
	logger       *slog.Logger
}

// handle dispatches one received event message.
func (c *chatHandlers) handle(m *server.EventMsg) {
	ctx := context.Background()

	switch m.Event.ID {
	case event.UidportOpen:
		c.replayHistory(ctx, m.UID)

	case "chat/post":
		body, _ := m.Event.Data.(string)
		if body == "" {
			m.Reply("chat/empty")
			return
		}
		if _, err := c.store.Append(ctx, m.UID, body); err != nil {
			c.logger.Error("append failed", slog.Any("error", err))
		}
		c.broadcast(m.UID, body)
		m.Reply("chat/posted")

	case "chat/history":
		if !m.HasReply() {
			return
		}
		msgs, err := c.store.Recent(ctx, c.historyLimit)
		if err != nil {
			c.logger.Error("history query failed", slog.Any("error", err))
			m.Reply("chat/error")
			return
		}
		m.Reply(historyPayload(msgs))
	}
}

// broadcast pushes a chat message to every connected uid. Broadcast is
// not a transport primitive; the demo iterates the connected set.
func (c *chatHandlers) broadcast(fromUID, body string) {
	for uid := range c.srv.ConnectedUIDs().Any {
		if err := c.srv.Send(uid, event.New("chat/recv", []any{fromUID, body})); err != nil {
			c.logger.Warn("push failed", slog.String("uid", uid), slog.Any("error", err))
		}
	}
}

// replayHistory pushes the recent backlog to a newly connected uid.
func (c *chatHandlers) replayHistory(ctx context.Context, uid string) {
	msgs, err := c.store.Recent(ctx, c.historyLimit)
	if err != nil {
		c.logger.Error("history replay failed", slog.Any("error", err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	if err := c.srv.Send(uid, event.New("chat/backlog", historyPayload(msgs))); err != nil {
		c.logger.Warn("backlog push failed", slog.String("uid", uid), slog.Any("error", err))
	}
}

// historyPayload renders stored messages as wire-friendly tuples.
func historyPayload(msgs []history.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = []any{m.UID, m.Body, m.CreatedAt.UnixMilli()}
	}
	return out
}

// newLogger builds a text slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
