package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"convsync/internal/config"
	"convsync/internal/websocket"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, watchCmd)
}

var errGuest = errors.New("not signed in: run 'convsync login' first")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes and reconcile with the remote",
	Long: "Releases entries held for sign-in or quota, replays the offline queue in order\n" +
		"and reconciles every conversation against the remote listing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.guest() {
				return errGuest
			}
			if flagOffline {
				return errors.New("cannot sync with --offline")
			}
			if err := a.orch.ResumeSync(ctx); err != nil {
				return err
			}
			if err := a.orch.Reconcile(ctx); err != nil {
				return err
			}

			queue, err := a.store.ListQueue(ctx)
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				fmt.Println("Everything is synced.")
			} else {
				fmt.Printf("%d change(s) still queued, see 'convsync status'.\n", len(queue))
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show identity, backend and the offline queue, or one conversation's sync status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if len(args) == 1 {
				status, err := a.orch.Status(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			}

			fmt.Println("Identity:")
			fmt.Printf("  User:    %s\n", valueOrDefault(a.profile.Identity.UserID, "(guest)"))
			fmt.Printf("  Device:  %s\n", a.profile.Identity.DeviceID)
			fmt.Println()
			fmt.Println("Storage:")
			fmt.Printf("  Cache:   %s\n", a.cfg.Cache.Driver)
			if a.guest() {
				fmt.Println("  Remote:  (none, cache only)")
			} else {
				fmt.Printf("  Remote:  %s\n", a.cfg.Remote.Backend)
			}

			queue, err := a.store.ListQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Println()
			if len(queue) == 0 {
				fmt.Println("Queue: empty")
				return nil
			}
			fmt.Printf("Queue: %d entr(ies)\n", len(queue))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tOP\tQUEUED\tATTEMPTS\tLAST ERROR\tHELD")
			for _, e := range queue {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\t%t\n",
					e.ConversationID, e.Operation, e.EnqueuedAt.Local().Format(time.DateTime),
					e.Attempts, valueOrDefault(string(e.LastError), "-"), e.Held)
			}
			return w.Flush()
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and apply changes made on other devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.guest() {
				return errGuest
			}
			if a.cfg.Remote.Backend != config.RemoteHTTP {
				return fmt.Errorf("watch needs the %s backend, the %s backend has no change feed", config.RemoteHTTP, a.cfg.Remote.Backend)
			}

			listener, err := websocket.NewListener(a.cfg.Remote.BaseURL, a.cfg.Remote.DeviceID, func(context.Context) (string, error) {
				return a.profile.apiToken()
			}, a.orch, a.log)
			if err != nil {
				return err
			}

			if err := a.orch.Reconcile(ctx); err != nil {
				a.log.Warn().Err(err).Msg("initial reconcile failed")
			}
			fmt.Fprintln(os.Stderr, "Watching for changes, press Ctrl+C to stop.")
			return listener.Run(ctx)
		})
	},
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
