package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ragkit/ragchat/internal/chat"
	"github.com/ragkit/ragchat/internal/models"
	"github.com/ragkit/ragchat/internal/services"
	"github.com/spf13/cobra"
)

// app bundles the pieces every command needs. It is assembled once in
// PersistentPreRunE so subcommands only wire the parts they use.
type app struct {
	cfg    config
	logger *slog.Logger
	store  *services.BoltStore
	client *services.Client
	cred   services.Credential
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}
}

func newApp() (*app, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	store, err := services.NewBoltStore(filepath.Join(dir, "store.db"))
	if err != nil {
		return nil, err
	}

	cred, err := store.Credential()
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: services.NewClient(cfg.BaseURL, cred, logger),
		cred:   cred,
	}, nil
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// requireAuth guards commands that need a live credential.
func (a *app) requireAuth() error {
	if !a.cred.Valid() {
		return fmt.Errorf("not logged in, or the session has expired; run `ragchat login`")
	}
	return nil
}

// sessionManager builds the session collection manager scoped to the current
// credential.
func (a *app) sessionManager() *chat.SessionManager {
	return chat.NewSessionManager(a.client, a.store, a.cred.Fingerprint(), a.logger)
}

// cacheMessages mirrors the current transcript into the store so it can be
// read back when the backend is unreachable.
func (a *app) cacheMessages(scope string, sessionID int64, messages []models.Message) {
	if err := a.store.SaveMessages(scope, sessionID, messages); err != nil {
		a.logger.Error("Failed to cache messages",
			slog.Int64("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
}

// handleAuthExpired converts the backend's 401 signal into the CLI
// equivalent of a redirect to login: the stored token is cleared and the
// user is told to authenticate again. Every command funnels its error
// through here.
func (a *app) handleAuthExpired(err error) error {
	if !errors.Is(err, services.ErrAuthExpired) {
		return err
	}

	if clearErr := a.store.ClearCredential(); clearErr != nil {
		a.logger.Error("Failed to clear credential", slog.String("err", clearErr.Error()))
	}
	return fmt.Errorf("session expired; run `ragchat login`")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var a *app
	root := &cobra.Command{
		Use:           "ragchat",
		Short:         "Chat with a RAG backend from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			a, err = newApp()
			return err
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}

	root.AddCommand(
		loginCmd(&a),
		registerCmd(&a),
		verifyCodeCmd(&a),
		logoutCmd(&a),
		sessionCmd(&a),
		chatCmd(&a),
		exportCmd(&a),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
