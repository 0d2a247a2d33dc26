// Command cqctl is the administrative CLI for the continuous-query
// catalog and alert server: create/list/drop continuous queries, register
// row-level triggers, and subscribe to a trigger's alert feed from a
// terminal. Grounded on the teacher's memoryctl CLI shape (a persistent
// root command plus one file per resource registering its subcommands via
// init()), adapted to talk to the catalog's Postgres store directly
// instead of a REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dsnFlag       string
	alertAddrFlag string

	rootCmd = &cobra.Command{
		Use:   "cqctl",
		Short: "Administrative CLI for the continuous-query catalog and alert server",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&dsnFlag, "dsn", "d", os.Getenv("CQENGINE_POSTGRES_DSN"), "catalog Postgres DSN (default: $CQENGINE_POSTGRES_DSN)")
	rootCmd.PersistentFlags().StringVarP(&alertAddrFlag, "alert-addr", "a", "localhost:7432", "alert server address")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
