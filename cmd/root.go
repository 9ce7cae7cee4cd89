// Package cmd provides the conflux command-line interface: inspecting
// merged configuration, validating files, watching them for live updates,
// and serving a bound store over HTTP.
//
// Configuration sources, highest priority first:
//  1. Command-line flags (--port, --debounce, ...)
//  2. Environment variables with the CONFLUX_ prefix (CONFLUX_SERVER_PORT)
//  3. The config file (.conflux.yml by default, or --config)
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	conflux "github.com/conneroisu/conflux"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "conflux",
	Short: "Live configuration store with hot reload",
	Long: `Conflux keeps typed configuration values registered in an in-process
store and hot-reloads them when their backing files change on disk.

Quick start:
  conflux check config.yaml            Validate files parse cleanly
  conflux get database.host -f app.yml Read one key from merged sources
  conflux watch config.yaml            Watch files and log updates
  conflux serve config.yaml            Serve a bound store over HTTP`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .conflux.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig wires the config file and CONFLUX_ environment variables into
// viper. A missing config file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("CONFLUX_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".conflux")
	}

	viper.SetEnvPrefix("CONFLUX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the slog logger the store and server share, honoring
// --log-level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// storeOptions assembles store options from viper-bound flags.
func storeOptions(logger *slog.Logger) conflux.Options {
	opts := conflux.Options{
		DebounceWindow: viper.GetDuration("debounce"),
		PollInterval:   viper.GetDuration("poll-interval"),
		Log:            logger,
	}
	if viper.GetBool("poll") {
		opts.WatchMode = conflux.WatchPoll
	}
	if viper.GetString("on-conflict") == "discard" {
		opts.OnConflict = conflux.ConflictDiscard
	}
	if viper.GetBool("rollback") {
		opts.RollbackOnError = true
	}

	return opts
}

// bindAll binds every path as an untyped table handle and reports what it
// bound.
func bindAll(store *conflux.Store, paths []string) ([]conflux.HandleID, error) {
	ids := make([]conflux.HandleID, 0, len(paths))
	for _, path := range paths {
		h, err := conflux.Bind[map[string]any](store, path)
		if err != nil {
			return ids, fmt.Errorf("bind %s: %w", path, err)
		}
		ids = append(ids, h.ID())
	}

	return ids, nil
}

// addPipelineFlags registers the flags shared by watch and serve.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("debounce", 100*time.Millisecond, "quiet period before applying changes")
	cmd.Flags().Bool("poll", false, "force the polling watcher backend")
	cmd.Flags().Duration("poll-interval", 500*time.Millisecond, "poll sweep period")
	cmd.Flags().String("on-conflict", "keep", "conflict policy (keep, discard)")
	cmd.Flags().Bool("rollback", false, "roll the whole batch back on any failure")

	addFlagValidation(cmd, "debounce", validatePositiveDuration)
	addFlagValidation(cmd, "poll-interval", validatePositiveDuration)
	addFlagValidation(cmd, "on-conflict", validateChoice("keep", "discard"))
}

// bindPipelineFlags binds the running command's pipeline flags into viper.
// Binding at run time keeps watch and serve from clobbering each other's
// registrations.
func bindPipelineFlags(cmd *cobra.Command, _ []string) error {
	for _, name := range []string{"debounce", "poll", "poll-interval", "on-conflict", "rollback"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	return nil
}
