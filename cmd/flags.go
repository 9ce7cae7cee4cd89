package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// validatingValue wraps a pflag.Value so bad input fails at parse time with
// a message about the value instead of surfacing later from the run function.
type validatingValue struct {
	pflag.Value
	validate func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validate(val); err != nil {
		return err
	}

	return v.Value.Set(val)
}

// addFlagValidation attaches a parse-time validator to a registered flag.
func addFlagValidation(cmd *cobra.Command, name string, validate func(string) error) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validate: validate}
}

// validatePort accepts 1-65535, or 0 for an ephemeral port.
func validatePort(raw string) error {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", raw)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}

	return nil
}

// validateChoice restricts a flag to a fixed set of values.
func validateChoice(choices ...string) func(string) error {
	return func(raw string) error {
		for _, choice := range choices {
			if raw == choice {
				return nil
			}
		}

		return fmt.Errorf("invalid value %q, must be one of: %s", raw, strings.Join(choices, ", "))
	}
}

// validatePositiveDuration rejects zero and negative durations.
func validatePositiveDuration(raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration: %s", raw)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}

	return nil
}
