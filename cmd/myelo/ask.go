package main

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/myelo/internal/agent"
)

func newAskCmd() *cobra.Command {
	var (
		configPath string
		session    string
		greeting   bool
		trace      bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Long: `Runs a single turn through the session controller and prints the final
answer. The session's history is kept, so repeated calls with the same
--session continue one conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if greeting {
				res, err := a.controller.Initialize(ctx, session)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", res.Text)
			}
			var traceOut io.Writer
			if trace {
				traceOut = cmd.ErrOrStderr()
			}
			question := strings.Join(args, " ")
			return printTurn(cmd.OutOrStdout(), traceOut, a.controller.Ask(ctx, session, question))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	cmd.Flags().StringVarP(&session, "session", "s", "cli", "session id")
	cmd.Flags().BoolVar(&greeting, "greeting", false, "print the initialization greeting first")
	cmd.Flags().BoolVar(&trace, "trace", false, "print tool calls to stderr")
	return cmd
}

// printTurn writes the answer and recovery notices of a turn to out, tool
// activity to trace when set. An error chunk becomes the returned error.
func printTurn(out, trace io.Writer, chunks iter.Seq[agent.Chunk]) error {
	var failed error
	for ch := range chunks {
		switch ch.Kind {
		case agent.ChunkToolCall:
			if trace != nil {
				fmt.Fprintf(trace, "-> %s %s\n", ch.Tool, ch.Args)
			}
		case agent.ChunkToolResult:
			if trace != nil {
				status := "ok"
				if ch.IsError {
					status = "error"
				}
				fmt.Fprintf(trace, "<- %s %s\n", ch.Tool, status)
			}
		case agent.ChunkRecovered:
			fmt.Fprintf(out, "%s\n\n", ch.Text)
		case agent.ChunkAnswer:
			fmt.Fprintln(out, ch.Text)
		case agent.ChunkError:
			failed = errors.New(ch.Text)
		}
	}
	return failed
}
