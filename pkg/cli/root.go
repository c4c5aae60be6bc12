package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/system"
)

const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitInterrupted = 130
)

// ErrInterrupted is returned by run when a signal stopped the run before every group was attempted.
var ErrInterrupted = errors.New("run interrupted")

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
	ErrorWriter  io.Writer
	// Context is the base context of every command, typically cancelled on SIGINT/SIGTERM.
	Context context.Context
	// Logger replaces the logger built from --debug. Used by tests.
	Logger *zap.Logger
}

type runtimeState struct {
	configPath   string
	cfg          *config.Config
	outputFormat string
	debug        bool
	writer       io.Writer
	log          *zap.Logger
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		OutputWriter: os.Stdout,
		ErrorWriter:  os.Stderr,
		Context:      context.Background(),
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	root, _ := newRootCommand(cfg)
	return root
}

func newRootCommand(cfg Config) (*cobra.Command, *runtimeState) {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter, log: cfg.Logger}

	root := &cobra.Command{
		Use:   "mail-dispatch",
		Short: "Send one grouped report per recipient from a tabular dataset",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("MAIL_DISPATCH_OUTPUT")
			}
			if !rt.debug {
				rt.debug = strings.EqualFold(os.Getenv("MAIL_DISPATCH_DEBUG"), "true")
			}
			if rt.log == nil {
				log, err := system.NewLogger(rt.debug)
				if err != nil {
					return fmt.Errorf("creating logger: %w", err)
				}
				rt.log = log
			}

			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return rt.EnsureConfigLoaded()
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file (default $MAIL_DISPATCH_CONFIG or ./config.yaml)")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, wide, json, yaml")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable development logging at debug level")

	base := cfg.Context
	if base == nil {
		base = context.Background()
	}
	root.SetContext(context.WithValue(base, runtimeKey{}, rt))

	root.AddCommand(
		NewRunCommand(),
		NewPreviewCommand(),
		NewVersionCommand(),
	)

	return root, rt
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) Logger() *zap.Logger {
	if rt.log != nil {
		return rt.log
	}
	return zap.NewNop()
}

func (rt *runtimeState) EnsureConfigLoaded() error {
	if rt.cfg != nil {
		return nil
	}
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}
	rt.cfg = &cfg
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute(cfg Config, args []string) int {
	errOut := cfg.ErrorWriter
	if errOut == nil {
		errOut = os.Stderr
	}
	root, rt := newRootCommand(cfg)
	root.SetArgs(args)
	root.SetErr(errOut)
	if cfg.OutputWriter != nil {
		root.SetOut(cfg.OutputWriter)
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if rt.log != nil {
		_ = rt.log.Sync()
	}

	code := ExitCode(err)
	switch code {
	case ExitInterrupted:
		_, _ = fmt.Fprintln(errOut, "Interrupted: not every group was attempted")
	case ExitFatal:
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
	}
	return code
}

// ExitCode maps the error returned by a command to the process exit code.
// Per-group failures never reach this point; they are part of the report.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFatal
	}
}
