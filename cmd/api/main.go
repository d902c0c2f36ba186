// Command api serves the loan ledger over HTTP and exposes offline tools for
// schedules and ledger reconciliation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fintrack",
	Short: "Loan ledger service",
	Long: `fintrack tracks fixed-payment loans: it projects amortization schedules,
records real payments against a per-loan ledger and keeps linked account
balances in step. Running without a subcommand starts the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
