// Command oipctl is the operator CLI for an oipnode: publish a record,
// run one sync cycle, or run an ad hoc query, all against the same
// config file a running node uses. Grounded on
// orbas1-Synnergy/synnergy-network/cmd/synnergy/main.go's
// command-group-per-file cobra layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "oipctl", Short: "operate an OIP index node"}
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the node config file")

	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(queryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
