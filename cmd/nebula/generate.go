package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/pipeline"
	"github.com/spf13/cobra"
)

func newGenerateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var kind string
	var projectID string

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Run the generation pipeline and stream its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			client, err := pipeline.NewClient(cfg, events.New(), pipeline.WithLogger(logger))
			if err != nil {
				return err
			}

			request := pipeline.GenerateRequest{
				Prompt:    strings.Join(args, " "),
				Kind:      kind,
				ProjectID: projectID,
			}
			return client.Generate(cmd.Context(), request, func(event pipeline.Event) {
				switch event.Type {
				case pipeline.TypeStatus:
					if event.Status != nil {
						fmt.Fprintln(out, event.Status.Message)
					}
				case pipeline.TypeNode:
					if event.Node != nil {
						fmt.Fprintf(out, "[%s] %s\n", event.Node.Phase, event.Node.Node)
					}
				case pipeline.TypeArtifact:
					if event.Artifact != nil {
						fmt.Fprintf(out, "artifact ready: %s\n", event.Artifact.SignedURL)
					}
				case pipeline.TypeMessage:
					fmt.Fprintln(out, event.Raw)
				}
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "webapp", "project kind (webapp, api, component, image, mixed)")
	cmd.Flags().StringVar(&projectID, "project", "", "continue an existing project")
	return cmd
}
