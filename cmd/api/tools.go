package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mcclellann/fintrack/pkg/amortization"
	"github.com/mcclellann/fintrack/pkg/events"
	"github.com/mcclellann/fintrack/pkg/ledger"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	scheduleCmd.Flags().String("principal", "", "Loan principal, e.g. 25000.00")
	scheduleCmd.Flags().String("rate", "", "Annual interest rate in percent, e.g. 6.5")
	scheduleCmd.Flags().Int("term", 0, "Term in months")
	scheduleCmd.Flags().String("start", "", "Start date (YYYY-MM-DD)")
	scheduleCmd.Flags().String("payment", "", "Stated monthly payment (optional)")
	scheduleCmd.Flags().Bool("json", false, "Print the schedule as JSON")
	for _, name := range []string{"principal", "rate", "term", "start"} {
		scheduleCmd.MarkFlagRequired(name)
	}

	reconcileCmd.Flags().Bool("json", false, "Print inconsistent loans as JSON")
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print an amortization schedule",
	Long:  `Compute the repayment schedule for a set of loan terms without touching storage.`,
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

func parseScheduleFlags(cmd *cobra.Command) (principal, rate decimal.Decimal, term int, start models.Date, payment decimal.NullDecimal, err error) {
	flags := cmd.Flags()
	rawPrincipal, _ := flags.GetString("principal")
	rawRate, _ := flags.GetString("rate")
	term, _ = flags.GetInt("term")
	rawStart, _ := flags.GetString("start")
	rawPayment, _ := flags.GetString("payment")

	if principal, err = decimal.NewFromString(rawPrincipal); err != nil {
		return principal, rate, term, start, payment, fmt.Errorf("invalid --principal %q: %w", rawPrincipal, err)
	}
	if rate, err = decimal.NewFromString(rawRate); err != nil {
		return principal, rate, term, start, payment, fmt.Errorf("invalid --rate %q: %w", rawRate, err)
	}
	if start, err = models.ParseDate(rawStart); err != nil {
		return principal, rate, term, start, payment, fmt.Errorf("invalid --start %q: %w", rawStart, err)
	}
	if rawPayment != "" {
		p, perr := decimal.NewFromString(rawPayment)
		if perr != nil {
			return principal, rate, term, start, payment, fmt.Errorf("invalid --payment %q: %w", rawPayment, perr)
		}
		payment = decimal.NewNullDecimal(p)
	}
	return principal, rate, term, start, payment, nil
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	principal, rate, term, start, payment, err := parseScheduleFlags(cmd)
	if err != nil {
		return err
	}

	schedule, err := amortization.ComputeSchedule(principal, rate, term, start, payment)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(schedule)
	}
	return printSchedule(cmd.OutOrStdout(), schedule)
}

func printSchedule(out io.Writer, s *amortization.Schedule) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tDate\tPayment\tPrincipal\tInterest\tBalance\t")
	for _, e := range s.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t\n",
			e.PaymentNumber, e.PaymentDate,
			e.PaymentAmount.StringFixed(2), e.Principal.StringFixed(2),
			e.Interest.StringFixed(2), e.Balance.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nMonthly payment: %s\nTotal interest:  %s\nTotal cost:      %s\n",
		s.MonthlyPayment.StringFixed(2), s.TotalInterest.StringFixed(2), s.TotalCost.StringFixed(2))
	return err
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay every loan's ledger once and report inconsistencies",
	Long: `Replay every loan's payment ledger against its stored balance using the
configured storage backend. Exits non-zero when any loan is inconsistent.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, base, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	storage, err := openStorage(ctx, cfg, base)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.StorageBackend, err)
	}
	defer storage.Close()

	// Offline runs change nothing, so there is nothing to publish.
	l := ledger.NewLedger(storage, events.NewLogPublisher(base), base)
	bad, err := l.ReconcileAll(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	switch {
	case asJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(bad); err != nil {
			return err
		}
	case len(bad) == 0:
		fmt.Fprintln(out, "All loans consistent.")
	default:
		for _, r := range bad {
			fmt.Fprintf(out, "loan %s:\n", r.LoanID)
			for _, d := range r.Discrepancies {
				fmt.Fprintf(out, "  - %s\n", d)
			}
		}
	}

	if len(bad) > 0 {
		return fmt.Errorf("%d inconsistent loan(s)", len(bad))
	}
	return nil
}
