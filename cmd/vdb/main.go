package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vdb",
		Short: "replicated vector database partition",
		Long: fmt.Sprintf(`vdb (v%s)

One partition of a vector database replicated with raft. Writes are
committed through the replicated log, journaled in a WAL and applied to
the in-memory vector store.`, Version),
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of vdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vdb v%s\n", Version)
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
