package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/mbox"
	"github.com/dhcgn/mail-to-telegram/stats"
)

// NewReplayCommand returns the replay subcommand. It runs one poll cycle over
// an mbox archive, which is handy to check filters and templates against
// real mail. Nothing is sent unless --deliver is given.
func NewReplayCommand(setup Setup) *cobra.Command {
	var deliver bool

	replayCmd := &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Run one poll cycle over an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !deliver {
				if err := cmd.Flags().Set("dry-run", "true"); err != nil {
					return err
				}
			}

			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			archive, err := mbox.Open(args[0], logger)
			if err != nil {
				return err
			}
			logger.Info("replaying mbox", "path", args[0], "messages", archive.Len(), "dryRun", cfg.DryRun)

			session, err := BuildSession(cfg, archive, logger)
			if err != nil {
				return err
			}
			if err := session.RunOnce(cmd.Context()); err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			printSummary(cmd.OutOrStdout(), args[0], session.Summary())
			return nil
		},
	}

	replayCmd.Flags().BoolVar(&deliver, "deliver", false, "Send notifications to Telegram instead of logging them")
	return replayCmd
}

func printSummary(w io.Writer, path string, s stats.Summary) {
	fmt.Fprintf(w, "Replayed %s\n\n", path)
	fmt.Fprintf(w, "  scanned:         %d\n", s.Scanned)
	fmt.Fprintf(w, "  skipped:         %d\n", s.Skipped)
	fmt.Fprintf(w, "  extract failed:  %d\n", s.ExtractFailed)
	fmt.Fprintf(w, "  delivered:       %d\n", s.Delivered)
	fmt.Fprintf(w, "  delivery failed: %d\n", s.DeliveryFailed)
	fmt.Fprintf(w, "  errors:          %d\n", s.Errors)
}
