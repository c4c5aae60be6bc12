package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/report"
	"github.com/telekom/mail-dispatch/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show mail-dispatch version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			rt, _ := getRuntime(cmd)
			writer := cmd.OutOrStdout()
			format := report.FormatTable
			if rt != nil {
				writer = rt.Writer()
				f, err := report.ParseFormat(rt.outputFormat)
				if err != nil {
					return err
				}
				format = f
			}

			switch format {
			case report.FormatJSON, report.FormatYAML:
				return report.WriteObject(writer, format, info)
			default:
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			}
		},
	}
}
