package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	conflux "github.com/conneroisu/conflux"
)

var (
	getFiles     []string
	getEnvPrefix string
	getHierarchy string
	getFormat    string
)

// getCmd reads one key, or the whole merged table, from layered sources.
var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Read a value from merged configuration sources",
	Long: `Merge configuration from files, environment variables, and hierarchical
discovery, then print one dotted key or the whole table.

Examples:
  conflux get database.host -f app.yaml
  conflux get -f base.yaml -f override.yaml --format json
  conflux get server.port --env-prefix MYAPP_
  conflux get --hierarchy myapp`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().StringArrayVarP(&getFiles, "file", "f", nil, "config file, repeatable; later files override earlier ones")
	getCmd.Flags().StringVar(&getEnvPrefix, "env-prefix", "", "merge environment variables with this prefix")
	getCmd.Flags().StringVar(&getHierarchy, "hierarchy", "", "discover config files for this application name")
	getCmd.Flags().StringVar(&getFormat, "format", "auto", "output format (auto, json, yaml, toml)")

	addFlagValidation(getCmd, "format", validateChoice("auto", "json", "yaml", "toml"))
}

func runGet(cmd *cobra.Command, args []string) error {
	builder := conflux.NewBuilder()
	if getHierarchy != "" {
		builder.WithHierarchy(getHierarchy)
	}
	for _, f := range getFiles {
		builder.WithFile(f)
	}
	if getEnvPrefix != "" {
		builder.WithEnv(getEnvPrefix)
	}

	cfg := builder.Build()
	for _, w := range cfg.Warnings() {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	if len(args) == 0 {
		return printTable(cfg)
	}

	key := args[0]
	value, ok := cfg.Get(key)
	if !ok {
		return fmt.Errorf("key %q not found", key)
	}

	switch getFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(value)
	default:
		fmt.Println(render(value))

		return nil
	}
}

func printTable(cfg *conflux.Config) error {
	var (
		out string
		err error
	)
	switch getFormat {
	case "yaml":
		out, err = cfg.AsYAML()
	case "toml":
		out, err = cfg.AsTOML()
	default:
		out, err = cfg.AsJSON()
	}
	if err != nil {
		return err
	}
	fmt.Println(out)

	return nil
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}

		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
