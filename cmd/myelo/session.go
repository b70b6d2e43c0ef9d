package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/myelo/internal/agent"
	"github.com/zulandar/myelo/internal/checkpoint"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and maintain stored sessions",
		Long:  "Offline maintenance of the checkpoint store. Do not run clear or repair against a session that a live server is using.",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionClearCmd())
	cmd.AddCommand(newSessionRepairCmd())
	return cmd
}

// withStore loads the config, opens the checkpoint store and runs fn.
func withStore(configPath string, fn func(checkpoint.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newSessionListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions with checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store checkpoint.Store) error {
				sessions, err := store.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(sessions) == 0 {
					fmt.Fprintln(out, "No sessions.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tSTEPS\tLATEST\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.SessionID, s.Steps, s.LatestStep, s.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Print a session's latest conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store checkpoint.Store) error {
				out := cmd.OutOrStdout()
				snap, err := store.Latest(cmd.Context(), args[0])
				if errors.Is(err, checkpoint.ErrNoCheckpoint) {
					fmt.Fprintf(out, "Session %s has no checkpoints.\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				steps, err := store.Steps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Session %s: step %d (%s), %d checkpoints, %d messages\n",
					snap.SessionID, snap.Step, snap.Source, len(steps), len(snap.Messages))
				for i, m := range snap.Messages {
					fmt.Fprintf(out, "%3d %s\n", i, m)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	return cmd
}

func newSessionClearCmd() *cobra.Command {
	var (
		configPath string
		from       int64
	)

	cmd := &cobra.Command{
		Use:   "clear <session>",
		Short: "Delete a session's checkpoints",
		Long:  "Deletes every checkpoint of the session, or with --from only the checkpoints at or after that step.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store checkpoint.Store) error {
				var (
					n   int64
					err error
				)
				if cmd.Flags().Changed("from") {
					n, err = store.DeleteFrom(cmd.Context(), args[0], from)
				} else {
					n, err = store.DeleteAll(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoints from session %s\n", n, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	cmd.Flags().Int64Var(&from, "from", 0, "delete only steps >= this step")
	return cmd
}

func newSessionRepairCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "repair <session>",
		Short: "Remove a dangling tool-call tail from a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store checkpoint.Store) error {
				rep, err := agent.RepairStore(cmd.Context(), store, args[0], logger)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Session %s: %s\n", args[0], rep.Outcome)
				if rep.Outcome == agent.OutcomeRepaired {
					fmt.Fprintf(out, "  dangling calls: %d\n", rep.Dangling)
					fmt.Fprintf(out, "  dropped messages: %d (from index %d)\n", rep.Dropped, rep.CutIndex)
					fmt.Fprintf(out, "  deleted checkpoints: %d (steps >= %d)\n", rep.Deleted, rep.FromStep)
					fmt.Fprintf(out, "  new step: %d\n", rep.NewStep)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	return cmd
}
