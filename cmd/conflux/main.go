// Command conflux is the CLI for the live configuration store.
package main

import (
	"fmt"
	"os"

	"github.com/conneroisu/conflux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
