package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/todosync/internal/api"
	"github.com/hyperengineering/todosync/internal/config"
	"github.com/hyperengineering/todosync/internal/taskdb"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference remote store",
	Long:  "Serve the task API that clients reconcile against, backed by a SQLite database.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if config.DevMode() && cfg.Server.APIKey == "" {
		slog.Warn("authentication disabled", "reason", "dev_mode")
	}

	db, err := taskdb.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DBPath)

	router := api.NewRouter(api.NewHandler(db, cfg.Server.APIKey, Version))
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	return serve(ctx, cancel, srv, db, cfg.Server.ShutdownTimeout.Std())
}

// closer is released after the server has drained.
type closer interface {
	Close() error
}

func serve(ctx context.Context, cancel context.CancelFunc, srv *http.Server, db closer, shutdownTimeout time.Duration) error {
	go func() {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
