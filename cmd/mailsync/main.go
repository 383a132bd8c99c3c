package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailsync/internal/api"
	"mailsync/internal/config"
	"mailsync/internal/database"
	"mailsync/internal/services"
	"mailsync/internal/utils"

	"github.com/spf13/cobra"
)

var (
	configPath string
	accountID  uint
)

var rootCmd = &cobra.Command{
	Use:           "mailsync",
	Short:         "Mail account sync service",
	Long:          "Synchronises remote mailboxes into a local store and serves the result over HTTP and websocket",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket hub and sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var scheduler *services.SyncScheduler
		if cfg.Sync.Scheduler {
			scheduler = services.NewSyncScheduler(a.coordinator, cfg.Sync.Interval)
			if err := scheduler.Start(ctx); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}
			defer scheduler.Stop()
		}

		handler := api.NewAPIHandler(a.coordinator, a.accounts, a.emails, a.summarizer, a.syncRuns, scheduler)
		srv := &http.Server{
			Addr:              cfg.ServerAddress(),
			Handler:           api.NewRouter(handler, a.hub),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errChan := make(chan error, 1)
		go func() {
			a.logger.Info("Server starting on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
			close(errChan)
		}()

		select {
		case err := <-errChan:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		a.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		a.logger.Info("Server exited")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass for an account, or for every account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if accountID != 0 {
				result, err := a.coordinator.SyncAccount(ctx, accountID, services.TriggerCLI)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			result, err := a.coordinator.SyncAll(ctx, services.TriggerCLI)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate stored copies of an account's messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			removed, err := a.coordinator.ResolveConflicts(ctx, accountID)
			if err != nil {
				return err
			}
			return printJSON(api.DedupeResponse{Removed: removed})
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.Database, cfg.Log.Level)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if err := database.Migrate(db); err != nil {
			return err
		}
		utils.NewLogger("Main").Info("Database schema is up to date (%s)", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	syncCmd.Flags().UintVar(&accountID, "account", 0, "account to sync (default: all accounts)")
	dedupeCmd.Flags().UintVar(&accountID, "account", 0, "account to deduplicate")
	_ = dedupeCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(serveCmd, syncCmd, dedupeCmd, migrateCmd, accountCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	utils.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
