package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sc2-sys/sc2-exp/exp/baseline"
)

// baselinesCmd lists the known baselines
var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "List known baselines and their platform configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd)
		if err != nil {
			return err
		}
		reg, err := loadRegistry(s)
		if err != nil {
			return err
		}
		return printBaselines(cmd.OutOrStdout(), reg)
	},
}

func printBaselines(w io.Writer, reg *baseline.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BASELINE\tRUNTIME CLASS\tVM\tCC\tSC2")
	for _, b := range reg.List() {
		rc := b.Config.RuntimeClass
		if rc == "" {
			rc = "(default)"
		}
		cc := b.Config.ConfidentialMode()
		if cc == "" {
			cc = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%t\n", b.ID, rc, b.Config.VMIsolated, cc, b.Config.SC2)
	}
	return tw.Flush()
}

func init() {
	baselinesCmd.Flags().String("catalog", "", "YAML file overriding baseline platform configuration")
	rootCmd.AddCommand(baselinesCmd)
}
