package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the delivery queue",
	}
	cmd.AddCommand(newQueueListCmd(), newQueueShowCmd(), newQueueStatsCmd(), newQueueFlushCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		domain string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{Domain: strings.ToLower(domain), Limit: limit}
			if status != "" {
				s, err := scheduler.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			states, err := c.States(cmd.Context(), f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, "No delivery states in queue")
				return nil
			}
			printStates(out, states)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list states with this status (queued, in_flight, deferred, bounced, delivered)")
	cmd.Flags().StringVar(&domain, "domain", "", "Only list states for this domain")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of states to list (0 for no limit)")
	return cmd
}

func printStates(out io.Writer, states []scheduler.State) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tENVELOPE\tDOMAIN\tSTATUS\tPENDING\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, s := range states {
		next := "-"
		if !s.IsTerminal() {
			next = s.NextAttempt.Local().Format(time.DateTime)
		}
		lastErr := "-"
		if s.LastFailure != nil {
			lastErr = truncate(s.LastFailure.String(), 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.EnvelopeID, s.Domain, s.Status, len(s.Pending), s.Attempts, next, lastErr)
	}
	w.Flush()
}

func newQueueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [envelope ID]",
		Short: "Show an envelope and its delivery states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			detail, err := c.Envelope(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			env := detail.Envelope
			sender := env.Sender
			if sender == "" {
				sender = "<>"
			}
			fmt.Fprintf(out, "Envelope:   %s\n", env.ID)
			fmt.Fprintf(out, "Sender:     %s\n", sender)
			fmt.Fprintf(out, "Recipients: %s\n", strings.Join(env.Recipients, ", "))
			fmt.Fprintf(out, "Queued:     %s\n", env.CreatedAt.Local().Format(time.DateTime))
			if env.DSNFor != "" {
				fmt.Fprintf(out, "Reports on: %s\n", env.DSNFor)
			}
			fmt.Fprintln(out)

			for _, s := range detail.States {
				fmt.Fprintf(out, "%s  %s  %s  attempts=%d  expires=%s\n",
					s.Domain, s.Status, s.ID, s.Attempts, s.ExpiresAt.Local().Format(time.DateTime))
				for _, r := range s.Pending {
					fmt.Fprintf(out, "  pending    %s\n", r)
				}
				for _, r := range s.Delivered {
					fmt.Fprintf(out, "  delivered  %s\n", r)
				}
				for _, b := range s.Bounced {
					fmt.Fprintf(out, "  bounced    %s: %s\n", b.Recipient, b.Failure.String())
				}
				if s.LastFailure != nil && len(s.Pending) > 0 {
					fmt.Fprintf(out, "  last error %s\n", s.LastFailure.String())
				}
			}
			return nil
		},
	}
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tSTATES")
			for _, s := range []scheduler.Status{scheduler.StatusQueued, scheduler.StatusInFlight, scheduler.StatusDeferred} {
				fmt.Fprintf(w, "%s\t%d\n", s, stats.ByStatus[s])
			}
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			if stats.Unsaved > 0 {
				fmt.Fprintf(w, "unsaved\t%d\n", stats.Unsaved)
			}
			w.Flush()

			if len(stats.PerDomain) > 0 {
				domains := make([]string, 0, len(stats.PerDomain))
				for d := range stats.PerDomain {
					domains = append(domains, d)
				}
				sort.Strings(domains)
				fmt.Fprintln(out)
				w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DOMAIN\tIN FLIGHT")
				for _, d := range domains {
					fmt.Fprintf(w, "%s\t%d\n", d, stats.PerDomain[d])
				}
				w.Flush()
			}
			return nil
		},
	}
}

func newQueueFlushCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Retry waiting deliveries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			n, err := c.Flush(cmd.Context(), strings.ToLower(domain))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d delivery states rescheduled\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Only flush states for this domain")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
