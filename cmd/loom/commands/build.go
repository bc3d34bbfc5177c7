package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/loom/internal/app"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [targets...]",
		Short: "Build the specified targets",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				// Display command usage help without returning an error
				_ = cmd.Help()
				return nil
			}
			keepGoing, _ := cmd.Flags().GetBool("keep-going")
			noCache, _ := cmd.Flags().GetBool("no-cache")
			jobs, _ := cmd.Flags().GetInt("jobs")
			return c.app.Run(cmd.Context(), args, app.RunOptions{
				KeepGoing: keepGoing,
				NoCache:   noCache,
				Jobs:      jobs,
			})
		},
	}
	cmd.Flags().BoolP("keep-going", "k", false, "Keep building independent targets after a failure")
	cmd.Flags().BoolP("no-cache", "n", false, "Bypass the build cache and force execution")
	cmd.Flags().IntP("jobs", "j", 0, "Number of parallel jobs (0 means one per CPU)")
	return cmd
}
