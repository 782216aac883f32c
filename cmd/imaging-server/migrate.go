package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/config"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			count, err := migrateUp(ctx, cfg, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for Postgres migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			statuses, err := migrationStatus(ctx, cfg, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status (%s)\n", cfg.DBDriver)
			renderMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for Postgres migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrateUp(ctx context.Context, cfg *config.Config, schema string) (int, error) {
	if cfg.DBDriver == config.DriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return db.NewSQLiteMigrator(conn, migrations.SQLite()).Up(ctx)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return 0, err
	}
	defer pool.Close()
	fmt.Printf("Running migrations on schema: %s\n", schema)
	return db.NewMigrator(pool, migrations.Postgres()).Up(ctx, schema)
}

func migrationStatus(ctx context.Context, cfg *config.Config, schema string) ([]db.MigrationStatus, error) {
	if cfg.DBDriver == config.DriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return db.NewSQLiteMigrator(conn, migrations.SQLite()).Status(ctx)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return db.NewMigrator(pool, migrations.Postgres()).Status(ctx, schema)
}

func renderMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		table.Append([]string{strconv.Itoa(s.Version), s.Name, status, appliedAt})
	}
	table.Render()
}
