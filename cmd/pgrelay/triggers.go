package pgrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/pgrelay/pkg/pgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var triggersCmd = &cobra.Command{
	Use:     "triggers",
	Aliases: []string{"t"},
	Short:   "Manage the notify triggers that feed the relay",
	Long: `Installs or drops the trigger function that publishes every INSERT, UPDATE and DELETE
on table:<table>:change and on the broadcast channel.

Tables come from the arguments, or from triggers.tables in the config file.`,
}

var triggersInstallCmd = &cobra.Command{
	Use:   "install [schema.]table...",
	Short: "Create the notify function and attach it to tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			tables := triggerTables(args)
			if err := pgx.InstallTriggers(ctx, pool, tables, triggerOptions()); err != nil {
				return err
			}
			logger.Info("installed notify triggers", zap.Strings("tables", tables))
			return nil
		})
	},
}

var triggersDropCmd = &cobra.Command{
	Use:   "drop [schema.]table...",
	Short: "Remove the notify trigger from tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		dropFunction, _ := cmd.Flags().GetBool("drop-function")
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			tables := triggerTables(args)
			if err := pgx.DropTriggers(ctx, pool, tables, triggerOptions(), dropFunction); err != nil {
				return err
			}
			logger.Info("dropped notify triggers", zap.Strings("tables", tables), zap.Bool("function", dropFunction))
			return nil
		})
	},
}

func init() {
	triggersCmd.PersistentFlags().String("triggers.schema", "", "schema holding the trigger function (default public)")
	triggersDropCmd.Flags().Bool("drop-function", false, "also drop the trigger function")

	_ = v.BindPFlag("triggers.schema", triggersCmd.PersistentFlags().Lookup("triggers.schema"))
	triggersCmd.AddCommand(triggersInstallCmd, triggersDropCmd)
	rootCmd.AddCommand(triggersCmd)
}

func triggerTables(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return cfg.Triggers.Tables
}

func triggerOptions() pgx.TriggerOptions {
	return pgx.TriggerOptions{
		Schema:           cfg.Triggers.Schema,
		BroadcastChannel: cfg.Broadcast.BroadcastChannel,
	}
}

// withPool runs fn with a short-lived pool to the configured database.
func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if cfg.Postgres.ConnString == "" {
		return fmt.Errorf("postgres.connString is required (or set DATABASE_URL)")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	pool, err := pgx.NewPool(ctx, pgx.Pool{ConnString: cfg.Postgres.ConnString, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}
