package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"convsync/internal/domain"

	"github.com/spf13/cobra"
)

func init() {
	newCmd.Flags().StringArrayP("message", "m", nil, "add a user message (repeatable)")
	rootCmd.AddCommand(newCmd, appendCmd, listCmd, showCmd, deleteCmd)
}

// withApp opens the app for one command and always closes it.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return run(ctx, a)
}

var newCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messages, _ := cmd.Flags().GetStringArray("message")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			conv := domain.NewConversation(args[0])
			for _, m := range messages {
				conv.AppendMessage("user", m)
			}
			if err := a.orch.SaveConversation(ctx, conv); err != nil {
				return err
			}
			fmt.Println(conv.ID)
			return nil
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <id> <role> <content>",
	Short: "Append a message to a conversation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			conv, err := a.orch.LoadConversation(ctx, args[0])
			if err != nil {
				return err
			}
			conv.AppendMessage(args[1], args[2])
			return a.orch.SaveConversation(ctx, conv)
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			convs, err := a.orch.ListConversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUPDATED\tSTATUS\tMESSAGES\tTITLE")
			for _, c := range convs {
				status, err := a.orch.Status(ctx, c.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					c.ID, c.UpdatedAt.Local().Format(time.DateTime), status, len(c.Messages), c.Title)
			}
			return w.Flush()
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			conv, err := a.orch.LoadConversation(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(conv)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a conversation here and on the remote",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.orch.DeleteConversation(ctx, args[0])
		})
	},
}
