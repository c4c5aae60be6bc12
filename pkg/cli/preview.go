package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/report"
)

func NewPreviewCommand() *cobra.Command {
	var (
		limit  int
		source string
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render the first groups without sending anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if limit < 1 {
				return errors.New("--limit must be at least 1")
			}
			format, err := report.ParseFormat(rt.outputFormat)
			if err != nil {
				return err
			}

			cfg := *rt.cfg
			cfg.Dispatch.DryRun = true
			if source != "" {
				cfg.Source.Path = source
			}
			if err := cfg.Validate(); err != nil {
				return setupError("validate config", err)
			}

			comps, err := buildComponents(cfg, rt.Logger())
			if err != nil {
				return err
			}
			defer func() { _ = comps.Close() }()

			previews, err := comps.engine.Preview(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return report.WritePreview(rt.Writer(), format, previews)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 3, "Number of groups to render")
	cmd.Flags().StringVar(&source, "source", "", "Dataset path (overrides source.path)")

	return cmd
}
