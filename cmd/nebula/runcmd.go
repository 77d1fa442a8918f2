package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/runtime"
	"github.com/nexus-nebula/nebula/internal/runtime/local"
	"github.com/spf13/cobra"
)

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a one-off command inside the project runtime",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := local.New(dir)
			if err != nil {
				return err
			}

			process, err := rt.Spawn(cmd.Context(), args[0], args[1:], runtime.SpawnOpts{
				OnOutput: func(line string) {
					fmt.Fprintln(out, line)
				},
			})
			if err != nil {
				return err
			}
			logger.With("command", args[0], "pid", process.PID()).Info("one-off command started")

			exitCode, err := process.Wait(cmd.Context())
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return fmt.Errorf("%s exited with code %d", args[0], exitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "project directory to run in")
	return cmd
}
