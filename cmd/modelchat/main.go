package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/modelchat/internal/api"
	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/logging"
	"github.com/liliang-cn/modelchat/internal/service"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
)

var flagConfig string

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelchat",
		Short: "Chat server for Gemini models with persistent sessions",
		Long: `modelchat serves a chat API for Gemini models. It uploads attachments,
streams generations one at a time per queue and keeps session history on disk.

Examples:
  modelchat serve --config config.yaml
  modelchat sessions list`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")

	cmd.AddCommand(newServeCmd(), newSessionsCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, flagConfig)
		},
	}
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := config.Watch(configPath, a.reload, func(err error) {
		logging.Error(logger, "Failed to reload config", err)
	}); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	router := api.SetupRouter(a.services(), api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
	}, logger)

	// No write timeout: streamed generations outlive any fixed deadline.
	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting modelchat server",
			zap.String("address", cfg.Address()),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.Bool("worker", cfg.Worker.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Open event streams only end when their generations do.
	a.chat.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect or clear saved chat sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(s *service.SessionService) error {
				return printSessions(cmd.OutOrStdout(), s.ListSessions())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every saved session and cached image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), func(s *service.SessionService) error {
				if err := s.ClearHistory(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
				return nil
			})
		},
	})

	return cmd
}

// withSessions opens the stores without starting the server.
func withSessions(ctx context.Context, fn func(*service.SessionService) error) error {
	cfg, logger, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(a.sessions)
}

func printSessions(w io.Writer, sessions []service.SessionSummary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No saved sessions.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED\t")
	for _, s := range sessions {
		marker := ""
		if s.Active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%s\t\n", s.ID, marker, s.Title, s.MessageCount, s.Timestamp.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
