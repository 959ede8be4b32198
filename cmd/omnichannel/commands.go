package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cateringcrm/omnichannel/internal/archiver"
	"github.com/cateringcrm/omnichannel/internal/auth"
	"github.com/cateringcrm/omnichannel/internal/config"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/db"
	dbsqlc "github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhooks, listeners and background jobs",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			runServe()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			return db.Migrate(log, cfg.Postgres)
		},
	}
}

func newArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive conversations silent for longer than the configured window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, cfg config.Config, log *slog.Logger, conn *pgxpool.Pool) error {
				n, err := archiver.New(log, dbsqlc.New(conn), cfg.Archiver).RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("archived %d conversations\n", n)
				return nil
			})
		},
	}
}

func newMergeTelegramGroupsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-telegram-groups",
		Short: "Merge duplicate Telegram group conversations into one per chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, cfg config.Config, log *slog.Logger, conn *pgxpool.Pool) error {
				report, err := conversation.NewService(log, conn, dbsqlc.New(conn)).MergeTelegramGroups(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(report)
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		role      string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an operator JWT",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.GenerateOperatorToken(args[0], role, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "operator role, e.g. admin")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 24*time.Hour, "token lifetime")
	return cmd
}

func bootstrap() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger.L, nil
}

func withDB(parent context.Context, fn func(ctx context.Context, cfg config.Config, log *slog.Logger, conn *pgxpool.Pool) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close()
	return fn(ctx, cfg, log, conn)
}
