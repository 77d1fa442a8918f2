package main

import (
	"fmt"

	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/runtime"
	"github.com/spf13/cobra"
)

func newDoctorCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace runtime prerequisites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			capability, err := runtime.Probe(cfg.InstallCommand, cfg.DevCommand)
			fmt.Fprintf(out, "platform isolation:     %s\n", checkMark(capability.OSSupported))
			fmt.Fprintf(out, "install command (%s): %s\n", cfg.InstallCommand, checkMark(capability.Install))
			fmt.Fprintf(out, "dev command (%s):     %s\n", cfg.DevCommand, checkMark(capability.Dev))
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "workspace runtime is available")
			return nil
		},
	}
}

func checkMark(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}
