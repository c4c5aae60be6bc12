package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/report"
	"github.com/telekom/mail-dispatch/pkg/telemetry"
	"github.com/telekom/mail-dispatch/pkg/version"
)

type runOverrides struct {
	dryRun      bool
	workers     int
	sendDelay   int
	source      string
	metricsAddr string
}

// apply copies the flags the user actually set onto cfg.
func (o runOverrides) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Dispatch.DryRun = o.dryRun
	}
	if flags.Changed("workers") {
		cfg.Dispatch.Workers = o.workers
	}
	if flags.Changed("send-delay") {
		cfg.Mail.SendDelaySeconds = o.sendDelay
	}
	if o.source != "" {
		cfg.Source.Path = o.source
	}
	if o.metricsAddr != "" {
		cfg.Metrics.ListenAddress = o.metricsAddr
	}
}

func NewRunCommand() *cobra.Command {
	var o runOverrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Group the dataset by recipient and send one message per group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := report.ParseFormat(rt.outputFormat)
			if err != nil {
				return err
			}

			cfg := *rt.cfg
			o.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return setupError("validate config", err)
			}

			log := rt.Logger()
			log.Sugar().Infow("Configuration loaded",
				"version", version.Version,
				"source", cfg.Source.Path,
				"smtpHost", cfg.Mail.SMTPHost,
				"dryRun", cfg.Dispatch.DryRun)

			_, shutdownTracing, err := telemetry.Init(cmd.Context(), telemetry.FromConfig(cfg.Tracing, version.Version, log.Sugar()))
			if err != nil {
				return setupError("configure tracing", err)
			}
			defer func() {
				if err := shutdownTracing(context.WithoutCancel(cmd.Context())); err != nil {
					log.Sugar().Warnw("Failed to flush traces", "error", err)
				}
			}()

			comps, err := buildComponents(cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := comps.Close(); err != nil {
					log.Sugar().Warnw("Failed to release run resources", "error", err)
				}
			}()

			if addr := cfg.Metrics.ListenAddress; addr != "" {
				srv := metrics.NewServer(addr, log, rt.debug)
				if _, err := srv.Start(); err != nil {
					return setupError("start metrics server", err)
				}
				defer func() { _ = srv.Stop(context.WithoutCancel(cmd.Context())) }()
			}

			summary, err := comps.engine.Run(cmd.Context())
			if err != nil {
				return err
			}
			if err := report.WriteSummary(rt.Writer(), format, summary); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			if summary.Interrupted {
				return fmt.Errorf("%w after %d of %d groups", ErrInterrupted, summary.Processed, summary.TotalGroups)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Build attachments and bodies but do not send")
	cmd.Flags().IntVar(&o.workers, "workers", 1, fmt.Sprintf("Concurrent groups (1-%d); sends stay spaced by the send delay", dispatch.MaxWorkers))
	cmd.Flags().IntVar(&o.sendDelay, "send-delay", 0, "Seconds to wait between two sends (overrides mail.sendDelaySeconds)")
	cmd.Flags().StringVar(&o.source, "source", "", "Dataset path (overrides source.path)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address during the run")

	return cmd
}
