package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	conflux "github.com/conneroisu/conflux"
)

// checkCmd validates that config files parse cleanly.
var checkCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Validate that configuration files parse",
	Long: `Parse each file with the format inferred from its extension and report
problems. Exits non-zero if any file fails.

Examples:
  conflux check config.yaml
  conflux check base.toml override.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	parser := conflux.NewAutoParser()
	failed := 0

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			failed++

			continue
		}
		if _, err := parser.Parse(path, data); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			failed++

			continue
		}
		fmt.Printf("OK   %s\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}

	return nil
}
