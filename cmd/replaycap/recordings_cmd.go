package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

// openArchive is replaced in tests.
var openArchive = setupArchive

var errNoArchive = errors.New("no archive configured: enable storage.minio or storage.postgres")

// ListOptions holds recordings list options
type ListOptions struct {
	Type   string
	Status string
	Since  time.Duration
	Limit  int
	Output string
}

func newRecordingsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   "Browse and manage archived recordings",
	}

	list := &ListOptions{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogued recordings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				q := storage.RecordingQuery{
					Type:   storage.RecordingType(list.Type),
					Status: storage.RecordingStatus(list.Status),
					Limit:  list.Limit,
				}
				if list.Since > 0 {
					q.StartTime = time.Now().Add(-list.Since)
				}
				recs, err := a.List(ctx, q)
				if err != nil {
					return err
				}
				switch list.Output {
				case "json":
					return printJSON(cmd.OutOrStdout(), recs)
				case "text":
					if len(recs) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No recordings found")
						return nil
					}
					return printRecordings(cmd.OutOrStdout(), recs)
				}
				return fmt.Errorf("unknown output format %q", list.Output)
			})
		},
	}
	listCmd.Flags().StringVar(&list.Type, "type", "", "Only this type (direct, replay)")
	listCmd.Flags().StringVar(&list.Status, "status", "", "Only this status (local, uploading, archived, failed)")
	listCmd.Flags().DurationVar(&list.Since, "since", 0, "Only recordings started within this long")
	listCmd.Flags().IntVarP(&list.Limit, "limit", "n", 50, "Maximum rows (0 for all)")
	listCmd.Flags().StringVarP(&list.Output, "output", "o", "text", "Output format (json or text)")
	listCmd.RegisterFlagCompletionFunc("output", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print one recording as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				rec, err := a.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the catalog by recording type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				stats, err := a.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})

	var expiry time.Duration
	urlCmd := &cobra.Command{
		Use:   "url ID",
		Short: "Print a temporary download link for an archived recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				u, err := a.URL(ctx, args[0], expiry)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
	urlCmd.Flags().DurationVar(&expiry, "expiry", time.Hour, "Link lifetime")
	cmd.AddCommand(urlCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID...",
		Short: "Delete recordings from the bucket, disk and catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				var errs []error
				for _, id := range args {
					if err := a.Delete(ctx, id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
				}
				return errors.Join(errs...)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check that the configured stores are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, root, func(ctx context.Context, a *storage.Archiver) error {
				if err := a.Check(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "archive is reachable")
				return nil
			})
		},
	})
	return cmd
}

// withArchive opens the configured stores for the duration of fn.
func withArchive(cmd *cobra.Command, root *RootOptions, fn func(context.Context, *storage.Archiver) error) error {
	cfg, err := loadConfig(root, cmd, nil)
	if err != nil {
		return err
	}
	logger, err := recorderlog.NewProduction(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer recorderlog.Sync(logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	a, closeArchive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeArchive()
	if a == nil {
		return errNoArchive
	}
	return fn(ctx, a)
}

func printRecordings(w io.Writer, recs []*storage.Recording) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSTARTED\tDURATION\tSIZE\tLOCATION")
	for _, r := range recs {
		loc := r.LocalPath
		if r.ObjectKey != "" {
			loc = r.Bucket + "/" + r.ObjectKey
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Type, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.GetDuration().Round(time.Millisecond),
			humanBytes(r.SizeBytes),
			loc)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
