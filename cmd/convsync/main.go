package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagOffline bool
	flagGuest   bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Keep chat conversations cached locally and synced to your own storage",
	Long: "convsync stores conversations in a local cache and syncs them to Google Drive\n" +
		"or a hosted conversation API. Conflicts are resolved by last write wins.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "do not contact the remote; queue changes instead")
	rootCmd.PersistentFlags().BoolVar(&flagGuest, "guest", false, "use the local cache only")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log sync activity")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
