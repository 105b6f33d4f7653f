// Command montage runs the orchestration server for the interactive
// creative-generation studio: it hosts the session hub, the Anthropic-backed
// director, the checkpoint detector and the WebSocket observer endpoint.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"goa.design/montage/runtime/checkpoint"
)

func main() {
	root := &cobra.Command{
		Use:           "montage",
		Short:         "Real-time orchestration core for staged creative generation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), pipelinesCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "montage:", err)
		os.Exit(1)
	}
}

func pipelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Inspect pipeline checkpoint tables",
	}
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a pipeline table and list its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Pipelines))
			for name := range cfg.Pipelines {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				p := cfg.Pipelines[name]
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s (%d stages)\n", name, len(p.Checkpoints))
				for _, def := range p.Checkpoints {
					marker := ""
					if def.Final {
						marker = " [final]"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %s%s: %d rules, artifacts %v\n",
						def.Stage, marker, len(def.Rules), def.ArtifactPaths)
				}
			}
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}
