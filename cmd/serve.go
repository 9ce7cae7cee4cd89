package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	conflux "github.com/conneroisu/conflux"
	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/server"
)

// serveCmd binds files into a store and serves it over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve <file>...",
	Short: "Serve a live configuration store over HTTP",
	Long: `Bind each file into a live store and expose it over HTTP: health and
stats endpoints, update history, manual applies, Prometheus metrics, and a
WebSocket feed of update events.

Examples:
  conflux serve config.yaml
  conflux serve --port 7600 --metrics app.toml
  conflux serve --poll --debounce 250ms remote-mounted.yaml`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindPipelineFlags(cmd, args); err != nil {
			return err
		}
		for _, name := range []string{"server.host", "server.port", "server.metrics", "server.max-conns", "server.rps"} {
			flag := cmd.Flags().Lookup(name[len("server."):])
			if err := viper.BindPFlag(name, flag); err != nil {
				return err
			}
		}

		return nil
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addPipelineFlags(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "host to bind")
	serveCmd.Flags().IntP("port", "p", 7600, "port to serve on")
	serveCmd.Flags().Bool("metrics", false, "expose Prometheus metrics at /metrics")
	serveCmd.Flags().Int("max-conns", 0, "cap concurrent connections (0 = unlimited)")
	serveCmd.Flags().Float64("rps", 0, "per-IP request rate limit (0 = unlimited)")

	addFlagValidation(serveCmd, "port", validatePort)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()

	store, err := conflux.Open(ctx, storeOptions(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if _, err := bindAll(store, args); err != nil {
		return err
	}

	srv := server.New(store, server.Options{
		Host:          viper.GetString("server.host"),
		Port:          viper.GetInt("server.port"),
		EnableMetrics: viper.GetBool("server.metrics"),
		MaxConns:      viper.GetInt("server.max-conns"),
		RateLimitRPS:  viper.GetFloat64("server.rps"),
	}, logging.FromSlog(logger))

	fmt.Printf("Serving %d bound files at http://%s:%d (version %d)\n",
		len(args), viper.GetString("server.host"), viper.GetInt("server.port"), store.Version())

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
