package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the settle CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Format: "text"}

	cmd := &cobra.Command{
		Use:   "settle",
		Short: "settle - deterministic concurrency coordination",
		Long: `Drive executors, loopers and timers to quiescence on a virtual
clock, and check the resulting traces against scenarios and golden files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().Var(newFormatValue(&opts.Format), "format", "output format (json|text)")

	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// Logger returns a logger for library code: debug-level text on w when
// verbose, discarded otherwise.
func (o *RootOptions) Logger(w io.Writer) *slog.Logger {
	if !o.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// printer binds output to cmd's writers.
func (o *RootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{
		json:    o.Format == "json",
		verbose: o.Verbose,
		out:     cmd.OutOrStdout(),
		diag:    cmd.ErrOrStderr(),
	}
}
