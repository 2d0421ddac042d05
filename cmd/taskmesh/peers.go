package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPeersCmd(flags *rootFlags) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List configured peers and optionally probe their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg)

			mesh, cleanup, err := buildMesh(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if probe {
				for _, d := range mesh.Registry().List() {
					if _, err := mesh.Registry().Resolve(cmd.Context(), d.Name); err != nil {
						logger.Debug("probe failed peer=%s err=%v", d.Name, err)
					}
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tFALLBACK\tSTREAMING\tSTATUS\tLAST SEEN")
			for _, d := range mesh.Registry().List() {
				status := "unknown"
				if probe {
					if d.Alive {
						status = color.GreenString("alive")
					} else {
						status = color.RedString("unreachable")
					}
				}
				lastSeen := "-"
				if !d.LastSeen.IsZero() {
					lastSeen = d.LastSeen.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", d.Name, d.URL, d.FallbackURL, d.Streaming, status, lastSeen)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "probe each peer before listing")
	return cmd
}
