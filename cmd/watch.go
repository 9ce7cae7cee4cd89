package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	conflux "github.com/conneroisu/conflux"
)

// watchCmd binds files into a store and logs every applied update until
// interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch <file>...",
	Short: "Watch configuration files and log updates",
	Long: `Bind each file into a live store and print a line for every applied
update batch. Useful for verifying that edits, debouncing, and change
suppression behave as expected before wiring the store into a service.

Examples:
  conflux watch config.yaml
  conflux watch --debounce 250ms app.toml secrets.json`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindPipelineFlags,
	RunE:    runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addPipelineFlags(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := conflux.Open(ctx, storeOptions(newLogger()))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if _, err := bindAll(store, args); err != nil {
		return err
	}

	fmt.Printf("Watching %d files (version %d). Ctrl-C to stop.\n", len(args), store.Version())

	events := store.Subscribe()
	defer store.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping.")

			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Printf("version %d: %d applied, %d failed (%v)\n",
				ev.Version, ev.Applied, ev.Failed, ev.Paths)
		}
	}
}
