package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/platform"
	"github.com/spf13/cobra"
)

const statusRequestTimeout = 3 * time.Second

func newStatusCommand(cfg *config.Config) *cobra.Command {
	var showProjects bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show resolved configuration and recent projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "pipeline url:  %s\n", cfg.PipelineURL)
			fmt.Fprintf(out, "backend url:   %s\n", cfg.BackendURL)
			fmt.Fprintf(out, "install:       %s %v\n", cfg.InstallCommand, cfg.InstallArgs)
			fmt.Fprintf(out, "dev server:    %s %v\n", cfg.DevCommand, cfg.DevArgs)
			fmt.Fprintf(out, "quiet period:  %s\n", cfg.QuietPeriod)
			fmt.Fprintf(out, "ready timeout: %s\n", cfg.ReadyTimeout)
			if cfg.Token() != "" {
				fmt.Fprintf(out, "auth token:    set via %s\n", cfg.TokenEnv)
			} else {
				fmt.Fprintf(out, "auth token:    not set (%s)\n", cfg.TokenEnv)
			}

			if !showProjects {
				return nil
			}

			client, err := platform.NewClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), statusRequestTimeout)
			defer cancel()

			projects, err := client.ListProjects(ctx)
			if err != nil {
				fmt.Fprintf(out, "backend unreachable: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "projects:      %d\n", len(projects))
			for _, project := range projects {
				fmt.Fprintf(out, "  %s  %-10s %s\n", project.ID, project.Kind, project.Title)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProjects, "projects", false, "list projects from the backend")
	return cmd
}
