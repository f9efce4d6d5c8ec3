// compel is the administrative CLI. It reads and clears the on-disk deferral
// state and exercises the prompt renderer, so support staff can inspect or
// reset an endpoint mid-cycle without waiting for the next agent pass.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/compel/pkg/config"
	"github.com/haasonsaas/compel/pkg/message"
	"github.com/haasonsaas/compel/pkg/store"
)

var (
	configPath string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "compel",
		Short: "Compel - Mandatory update enforcement for managed endpoints",
		Long:  "Inspect and manage the deferral state the compel agent keeps on this endpoint",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/compel/agent.yaml", "Agent config file path")

	rootCmd.AddCommand(
		statusCmd(),
		clearCmd(),
		deadlineCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.State.DBPath, cfg.State.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return st, cfg, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current deferral cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return err
			}

			rec, err := st.Load()
			if err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Namespace:\t%s\n", cfg.State.Namespace)

			if rec.UpdatesForcedAfter == 0 {
				fmt.Fprintln(w, "Cycle:\tno enforcement cycle active")
				return w.Flush()
			}

			deadline := time.Unix(rec.UpdatesForcedAfter, 0)
			fmt.Fprintf(w, "Updates:\t%s\n", rec.UpdateList)
			fmt.Fprintf(w, "Deadline:\t%s (%s)\n",
				message.FormatDeadline(deadline),
				message.RemainingPhrase(deadline.Sub(now)))
			if rec.UpdatesDeferredUntil > 0 {
				until := time.Unix(rec.UpdatesDeferredUntil, 0)
				if now.Before(until) {
					fmt.Fprintf(w, "Deferred until:\t%s\n", message.FormatDeadline(until))
				} else {
					fmt.Fprintf(w, "Deferred until:\t%s (expired)\n", message.FormatDeadline(until))
				}
			}

			lease, err := st.Lease()
			if err == nil && lease != nil {
				state := "live"
				if now.After(lease.ExpiresAt) {
					state = "stale"
				}
				fmt.Fprintf(w, "Lease:\t%s held by %s, expires %s\n",
					state, lease.Owner, message.FormatDeadline(lease.ExpiresAt))
			}

			return w.Flush()
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Reset the deferral cycle (the next agent pass starts fresh)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return err
			}
			if err := st.Clear(); err != nil {
				return err
			}
			fmt.Printf("Cleared deferral state for namespace %q\n", cfg.State.Namespace)
			return nil
		},
	}
}

func deadlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadline [RFC3339 time]",
		Short: "Pull the enforcement deadline earlier",
		Long:  "Set the enforcement deadline for the active cycle. The deadline only ever moves earlier; a later time than the current deadline is rejected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return fmt.Errorf("parse %q: %w", args[0], err)
			}

			st, _, err := openStore()
			if err != nil {
				return err
			}
			rec, err := st.Load()
			if err != nil {
				return err
			}
			if rec.UpdatesForcedAfter == 0 {
				return fmt.Errorf("no enforcement cycle active")
			}
			if when.Unix() >= rec.UpdatesForcedAfter {
				return fmt.Errorf("deadline may only move earlier (current: %s)",
					message.FormatDeadline(time.Unix(rec.UpdatesForcedAfter, 0)))
			}
			if err := st.SetDeadline(when.Unix()); err != nil {
				return err
			}
			fmt.Printf("Deadline set to %s\n", message.FormatDeadline(when))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("compel version %s\n", Version)
		},
	}
}
