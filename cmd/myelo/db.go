package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/myelo/internal/config"
	"github.com/zulandar/myelo/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Checkpoint database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the checkpoint database",
		Long:  "Creates the checkpoint database if needed and migrates its tables. The badger backend only needs its directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	if err := createCheckpointDB(out, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nCheckpoint store initialized successfully.")
	return nil
}

// createCheckpointDB creates (MySQL) and migrates the configured store.
func createCheckpointDB(out io.Writer, cfg *config.Config) error {
	cp := cfg.Checkpoint
	if cp.Backend == "badger" {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Badger store ready in %s\n", cp.BadgerDir)
		return store.Close()
	}

	if cp.Driver == "mysql" && cp.DSN == "" {
		adminDB, err := db.ConnectAdmin(cp)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cp.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", cp.Database, cp.Host, cp.Port)
	}

	gormDB, err := db.Connect(cp)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Erase every checkpoint and re-initialize the store",
		Long: `Drops all checkpoint data and re-creates an empty store.

For the sql backend the checkpoint tables are dropped (MySQL drops and
re-creates the database). For the badger backend the directory is removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes || force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt (alias for --yes)")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	target := storeName(cfg)
	if !skipConfirm {
		if !interactive(cmd) {
			return fmt.Errorf("refusing to reset %s without --yes: stdin is not a terminal", target)
		}
		if !confirm(cmd, fmt.Sprintf("This will permanently delete every checkpoint in %s.", target)) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cp := cfg.Checkpoint
	switch {
	case cp.Backend == "badger":
		if err := os.RemoveAll(cp.BadgerDir); err != nil {
			return fmt.Errorf("remove %s: %w", cp.BadgerDir, err)
		}
		fmt.Fprintf(out, "Removed %s\n", cp.BadgerDir)
	case cp.Driver == "mysql" && cp.DSN == "":
		adminDB, err := db.ConnectAdmin(cp)
		if err != nil {
			return err
		}
		if err := db.DropDatabase(adminDB, cp.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", cp.Database)
	default:
		gormDB, err := db.Connect(cp)
		if err != nil {
			return err
		}
		if err := db.DropAll(gormDB); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped %d tables\n", len(db.AllModels()))
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	if err := createCheckpointDB(out, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nCheckpoint store reset successfully.")
	return nil
}

// storeName describes the configured store for prompts.
func storeName(cfg *config.Config) string {
	cp := cfg.Checkpoint
	switch {
	case cp.Backend == "badger":
		return fmt.Sprintf("badger directory %q", cp.BadgerDir)
	case cp.Driver == "mysql":
		return fmt.Sprintf("database %q", cp.Database)
	default:
		return fmt.Sprintf("sqlite file %q", cp.Path)
	}
}

// interactive reports whether confirmations can be read from the command's
// input. A redirected os.Stdin cannot answer a prompt.
func interactive(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

func confirm(cmd *cobra.Command, warning string) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "WARNING: %s\n", warning)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
