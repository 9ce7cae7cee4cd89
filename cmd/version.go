package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/conflux/internal/version"
)

var (
	versionFormat string
	versionShort  bool
)

// versionCmd prints build identity.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "show short version only")

	addFlagValidation(versionCmd, "format", validateChoice("text", "json"))
}

func runVersion(cmd *cobra.Command, args []string) error {
	switch versionFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(version.Get())
	case "text":
		if versionShort {
			fmt.Println(version.Short())

			return nil
		}
		info := version.Get()
		fmt.Printf("conflux %s\n", version.Short())
		if !info.BuildTime.IsZero() {
			fmt.Printf("Built: %s\n", info.BuildTime.Format("2006-01-02 15:04:05 UTC"))
		}
		fmt.Printf("Go: %s\n", info.GoVersion)
		fmt.Printf("Platform: %s\n", info.Platform)

		return nil
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", versionFormat)
	}
}
