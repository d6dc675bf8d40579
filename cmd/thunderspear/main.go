package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	settingsPath string
	verbose      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "thunderspear: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thunderspear",
		Short: "Store large files in a chat channel",
		Long: `thunderspear splits local files into attachment sized pieces, uploads them to a chat
channel and keeps a local catalog of the messages needed to download them again.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file to use")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.AddCommand(
		newListCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newDeleteCmd(),
		newRenameCmd(),
		newSearchCmd(),
		newLoginCmd(),
		newBackupCmd(),
		newRestoreCmd(),
	)
	return cmd
}
