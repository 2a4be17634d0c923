package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// formatValue is a pflag.Value that only accepts ValidFormats, so a bad
// --format is rejected while flags are parsed.
type formatValue struct {
	target *string
}

var _ pflag.Value = (*formatValue)(nil)

func newFormatValue(target *string) *formatValue {
	if *target == "" {
		*target = "text"
	}
	return &formatValue{target: target}
}

func (f *formatValue) String() string {
	if f.target == nil {
		return ""
	}
	return *f.target
}

func (f *formatValue) Set(s string) error {
	s = strings.ToLower(s)
	if !slices.Contains(ValidFormats, s) {
		return fmt.Errorf("invalid format %q: must be one of %v", s, ValidFormats)
	}
	*f.target = s
	return nil
}

func (f *formatValue) Type() string {
	return "format"
}

// timeoutFlags are the aggregator timeouts shared by test and run.
type timeoutFlags struct {
	Flush     time.Duration
	Operation time.Duration
}

// register adds --flush-timeout and --operation-timeout to fs. Zero keeps
// the scenario's value or the aggregator default.
func (t *timeoutFlags) register(fs *pflag.FlagSet) {
	fs.DurationVar(&t.Flush, "flush-timeout", 0, "per-coordinator drain timeout (overrides scenario)")
	fs.DurationVar(&t.Operation, "operation-timeout", 0, "per-operation timeout (overrides scenario)")
}

func (t *timeoutFlags) validate() error {
	if t.Flush < 0 || t.Operation < 0 {
		return NewExitError(ExitCommandError, "timeouts must not be negative")
	}
	return nil
}
