package cmd

import (
	"github.com/spf13/cobra"
)

var sweepWatch bool

// sweepCmd re-evaluates pending links, once or periodically.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-evaluate pending links",
	Long: `Sweep runs a pass over all pending links: links whose target
identity has since arrived resolve and are removed, links past their TTL
or attempt budget expire as errors, the rest stay pending. With --watch it
keeps sweeping on the configured interval until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rs, cleanup, err := buildSync(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if sweepWatch {
			if err := rs.SweepOn(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return rs.SweepOff()
		}

		result, err := rs.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info().
			Int("checked", result.Checked).
			Int("resolved", result.Resolved).
			Int("expired", result.Expired).
			Int("pending", result.Pending).
			Msg("Sweep complete")
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVarP(&sweepWatch, "watch", "w", false, "sweep periodically until interrupted")
	rootCmd.AddCommand(sweepCmd)
}
