package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"engined/internal/executor"
)

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		// The version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "engined %s (%s, llama backend: %t)\n", version, runtime.Version(), executor.LlamaBuilt())
		},
	}
}
