package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (c *CLI) newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query [targets...]",
		Short: "Show the graph state of targets without building them",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := c.app.Query(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, info := range infos {
				fmt.Fprintf(out, "%s\t%s\n", info.Name, info.State)
				if len(info.DirectDeps) > 0 {
					fmt.Fprintf(out, "  deps: %s\n", strings.Join(info.DirectDeps, ", "))
				}
				if len(info.ReverseDeps) > 0 {
					fmt.Fprintf(out, "  required by: %s\n", strings.Join(info.ReverseDeps, ", "))
				}
			}
			return nil
		},
	}
}
