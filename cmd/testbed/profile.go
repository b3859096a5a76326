package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Work with link-profile CSV files",
	}
	cmd.AddCommand(newProfileInspectCmd())
	return cmd
}

func newProfileInspectCmd() *cobra.Command {
	var (
		at   float64
		bits float64
	)
	cmd := &cobra.Command{
		Use:   "inspect <profile.csv>",
		Short: "Load a link profile and print every pair as resolved at a given time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, report, err := core.LoadCSVFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "loaded %d rows, skipped %d, %d pairs\n", report.Loaded, len(report.Skipped), len(profile.Pairs()))
			for _, row := range report.Skipped {
				fmt.Fprintf(out, "  line %d: %s\n", row.Line, row.Reason)
			}

			cost := core.NewTransferCostModel(profile, 0)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SRC\tDST\tRTT_MS\tUP_MBPS\tDOWN_MBPS\tLOSS\tAVAILABLE\tUP_SECONDS")
			for _, pair := range profile.Pairs() {
				m := profile.Query(pair.Src, pair.Dst, at)
				up := "-"
				if s := cost.UpSeconds(pair.Src, pair.Dst, bits, at, 1); core.Reachable(s) {
					up = fmt.Sprintf("%.4f", s)
				}
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\t%.4f\t%t\t%s\n",
					pair.Src, pair.Dst, m.RTTMs(), m.UpMbps(), m.DownMbps(), m.Loss(), m.Available(), up)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&at, "at", 0, "Simulated time in seconds to resolve links at")
	cmd.Flags().Float64Var(&bits, "bits", 16*1024*1024, "Payload size in bits for the upstream transfer column")
	return cmd
}
