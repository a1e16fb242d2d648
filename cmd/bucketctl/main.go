// Command bucketctl inspects and maintains a bucketpool data directory offline.
// The broker must not be running against the same directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/VsevolodSauta/bucketpool"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bucketctl",
		Short:         "Inspect and maintain bucketpool storage",
		Long:          "bucketctl opens a bucketpool data directory with the same recovery path the broker uses.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newInspectCmd(), newDumpCmd(), newCompactCmd(), newGetCmd(), newPutCmd(), newDeleteCmd())
	return rootCmd
}

// withScheduler recovers every bucket, runs fn and shuts the scheduler down.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, s *bucketpool.Scheduler) error) (err error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	s, err := bucketpool.NewScheduler(cfg, newLogger(level))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("open %s: %w", cfg.Dir, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Recover every bucket and print record counts and sequence numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "engine: %s, buckets: %d\n", s.Kind(), s.BucketCount())
				fmt.Fprintf(out, "%-8s %10s %12s\n", "BUCKET", "RECORDS", "LAST_SEQ")
				total := 0
				for _, h := range s.Health() {
					n, err := bucketpool.SubmitToBucket(ctx, s, h.Bucket, countRecords)
					if err != nil {
						return err
					}
					total += n
					fmt.Fprintf(out, "%-8s %10d %12d\n", h.Bucket, n, h.LastSeq)
				}
				fmt.Fprintf(out, "total records: %d\n", total)
				return nil
			})
		},
	}
}

func countRecords(_ context.Context, b bucketpool.Backend) (int, error) {
	seq, err := b.Scan(nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for range seq {
		n++
	}
	return n, nil
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the records of one bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, _ := cmd.Flags().GetUint32("bucket")
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				records, err := bucketpool.SubmitToBucket(ctx, s, bucketpool.BucketID(bucket), func(_ context.Context, b bucketpool.Backend) ([]bucketpool.Record, error) {
					seq, err := b.Scan(nil)
					if err != nil {
						return nil, err
					}
					var records []bucketpool.Record
					for rec := range seq {
						records = append(records, rec)
					}
					return records, nil
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, rec := range records {
					fmt.Fprintf(out, "%d\t%s\t%q\n", rec.Seq, rec.Key, rec.Value)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint32("bucket", 0, "Bucket to dump")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Force compaction of every bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				compacted := 0
				for i := range s.BucketCount() {
					ok, err := bucketpool.SubmitToBucket(ctx, s, bucketpool.BucketID(i), func(_ context.Context, b bucketpool.Backend) (bool, error) {
						c, ok := b.(bucketpool.Compactor)
						if !ok {
							return false, nil
						}
						return true, c.MaybeCompact(true)
					})
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintf(cmd.OutOrStdout(), "engine %s does not compact\n", s.Kind())
						return nil
					}
					compacted++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compaction started for %d buckets\n", compacted)
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				rec, err := bucketpool.SubmitSync(ctx, s, key, func(_ context.Context, b bucketpool.Backend) (*bucketpool.Record, error) {
					rec, ok, err := b.Get(key)
					if err != nil || !ok {
						return nil, err
					}
					return &rec, nil
				})
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("key %q not found in bucket %s", key, s.BucketFor(key))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", rec.Value)
				return nil
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store VALUE under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], []byte(args[1])
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				_, err := bucketpool.SubmitSync(ctx, s, key, func(_ context.Context, b bucketpool.Backend) (struct{}, error) {
					_, _, err := b.Put(key, value)
					return struct{}{}, err
				})
				return err
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withScheduler(cmd, func(ctx context.Context, s *bucketpool.Scheduler) error {
				existed, err := bucketpool.SubmitSync(ctx, s, key, func(_ context.Context, b bucketpool.Backend) (bool, error) {
					return b.Delete(key)
				})
				if err != nil {
					return err
				}
				if !existed {
					return errors.New("key not found")
				}
				return nil
			})
		},
	}
}
