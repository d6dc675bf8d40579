package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/config"
	"github.com/thunderspear/thunderspear/drive"
	"github.com/thunderspear/thunderspear/uploader"
)

func defaultSettingsPath() string {
	return config.DefaultSettingsPath()
}

// countingSink logs upload events and remembers how many uploads did not commit.
type countingSink struct {
	*uploader.LogSink
	failed int
}

func (s *countingSink) UploadFailed(id uint32, err error) {
	s.failed++
	s.LogSink.UploadFailed(id, err)
}

func (s *countingSink) UploadAborted(id uint32) {
	s.failed++
	s.LogSink.UploadAborted(id)
}

func openService() (*drive.Service, *countingSink, log.Logger, error) {
	cfg, err := config.Load(env.NewRepository(), settingsPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(cfg.Debug || verbose)
	if cfg.Debug || verbose {
		cfg.Print(logger)
	}

	sink := &countingSink{LogSink: uploader.NewLogSink(logger)}
	service, err := drive.Open(cfg, sink, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return service, sink, logger, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List uploaded files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, _, err := openService()
			if err != nil {
				return err
			}
			return printFiles(cmd, service.List())
		},
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path|pattern>...",
		Short: "Upload files, glob patterns like ~/videos/**/*.mkv are expanded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, sink, logger, err := openService()
			if err != nil {
				return err
			}

			queued, err := service.Upload(args)
			for _, q := range queued {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d %s\n", q.ID, q.Path)
			}
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := service.Wait(ctx); err != nil {
				logger.Warnf("Interrupted, aborting uploads...")
				service.Stop()
				// the abort itself only needs to finish the in flight requests
				waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := service.Wait(waitCtx); err != nil {
					logger.Warnf("Upload did not stop in time: %s", err)
				}
				return fmt.Errorf("upload interrupted")
			}

			if sink.failed > 0 {
				return fmt.Errorf("%d of %d uploads did not complete", sink.failed, len(queued))
			}
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "download <id>...",
		Short: "Download files by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			service, _, _, err := openService()
			if err != nil {
				return err
			}

			paths, err := service.Download(cmd.Context(), ids, target)
			for _, pth := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), pth)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", ".", "Directory to download into")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Remove files from the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			service, _, _, err := openService()
			if err != nil {
				return err
			}
			return service.Delete(ids)
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Change the display name of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}

			service, _, _, err := openService()
			if err != nil {
				return err
			}
			return service.Rename(ids[0], args[1])
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find files with a name close to the query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, _, err := openService()
			if err != nil {
				return err
			}

			byID := map[uint32]catalog.FileRecord{}
			for _, f := range service.List() {
				byID[f.ID] = f
			}

			var matches []catalog.FileRecord
			for _, id := range service.Query(args[0]) {
				if f, ok := byID[id]; ok {
					matches = append(matches, f)
				}
			}
			return printFiles(cmd, matches)
		},
	}
}

func newLoginCmd() *cobra.Command {
	var token, channel string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the token and channel used for uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				var err error
				if token, err = promptToken(cmd); err != nil {
					return err
				}
			}

			service, _, logger, err := openService()
			if err != nil {
				return err
			}
			if err := service.Login(token, channel); err != nil {
				return err
			}
			logger.Donef("Credentials saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Authorization token, prompted for when omitted")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel ID to store files in")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write a compressed copy of the catalog, without the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, logger, err := openService()
			if err != nil {
				return err
			}
			if err := service.Backup(args[0]); err != nil {
				return err
			}
			logger.Donef("Catalog saved to %s", args[0])
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the catalog with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, logger, err := openService()
			if err != nil {
				return err
			}
			restored, err := service.Restore(args[0])
			if err != nil {
				return err
			}
			logger.Donef("%d files restored", restored)
			return nil
		},
	}
}

func printFiles(cmd *cobra.Command, files []catalog.FileRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tSEGMENTS\tCREATED")
	for _, f := range files {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			f.ID, f.Name, units.HumanSize(float64(f.Size)), len(f.SegmentRemoteIDs), f.Created().Format(time.RFC3339))
	}
	return w.Flush()
}

func parseIDs(args []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", arg, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
