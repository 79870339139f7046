package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/db"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Local message cache commands",
	}

	cmd.AddCommand(newCacheMigrateCmd())
	cmd.AddCommand(newCachePurgeCmd())
	return cmd
}

func newCacheMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the cache tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	return cmd
}

func runCacheMigrate(cmd *cobra.Command, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Cache.Driver == "" {
		return errors.New("cache is disabled: set cache.driver in the config")
	}
	gormDB, err := db.Connect(cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Cache.Driver)
	return nil
}

func newCachePurgeCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cached room and message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCachePurge(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func runCachePurge(cmd *cobra.Command, configPath string, yes bool) error {
	if !yes {
		return errors.New("refusing to purge without --yes")
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Cache.Driver == "" {
		return errors.New("cache is disabled: set cache.driver in the config")
	}
	gormDB, err := db.Connect(cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		return err
	}
	if err := db.Purge(gormDB); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache purged.")
	return nil
}
