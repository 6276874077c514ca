package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	outboxListLimit    int
	outboxFailuresAll  bool
	outboxFlushTimeout time.Duration
)

func init() {
	outboxListCmd.Flags().IntVarP(&outboxListLimit, "limit", "n", 50, "Maximum number of entries to show")
	outboxFailuresCmd.Flags().BoolVar(&outboxFailuresAll, "all", false, "Include acknowledged failures")
	outboxFlushCmd.Flags().DurationVar(&outboxFlushTimeout, "timeout", 30*time.Second, "Give up flushing after this long")

	outboxCmd.AddCommand(outboxListCmd, outboxFlushCmd, outboxFailuresCmd, outboxAckCmd)
	rootCmd.AddCommand(outboxCmd)
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay queued requests",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		queue, err := a.outbox()
		if err != nil {
			return err
		}
		entries, err := queue.List(outboxListLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENTRY\tMETHOD\tENDPOINT\tQUEUED\tATTEMPTS\tLAST ERROR")
		for _, entry := range entries {
			lastErr := ""
			if entry.LastError != nil {
				lastErr = *entry.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				entry.EntryID, entry.Method, entry.Endpoint,
				time.UnixMilli(entry.CreatedAt).Format(time.RFC3339),
				entry.Attempts, lastErr)
		}
		return w.Flush()
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued requests now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		queue, err := a.outbox()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), outboxFlushTimeout)
		defer cancel()

		result, err := queue.Flush(ctx)
		fmt.Printf("Delivered: %d\nDropped:   %d\nRemaining: %d\n", result.Delivered, result.Dropped, result.Remaining)
		return err
	},
}

var outboxFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List requests dropped after repeated rejection",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		queue, err := a.outbox()
		if err != nil {
			return err
		}
		failures, err := queue.Failures(!outboxFailuresAll)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			fmt.Println("No failures.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTRY\tMETHOD\tENDPOINT\tATTEMPTS\tFAILED\tREASON")
		for _, failure := range failures {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
				failure.ID, failure.EntryID, failure.Method, failure.Endpoint, failure.Attempts,
				time.UnixMilli(failure.FailedAt).Format(time.RFC3339), failure.Reason)
		}
		return w.Flush()
	},
}

var outboxAckCmd = &cobra.Command{
	Use:   "ack <failure-id>",
	Short: "Acknowledge a failure so it is hidden from the default listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid failure id %q", args[0])
		}

		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		queue, err := a.outbox()
		if err != nil {
			return err
		}
		return queue.Acknowledge(id)
	},
}

// openOffline opens the local session without starting the transport.
func openOffline() (*app, error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openSession(cfg, cfgPath, newLogger(cfg.Log, os.Stderr))
}
