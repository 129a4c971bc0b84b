package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/cache"
	"github.com/luminolmc/goclip/internal/config"
)

func newCacheCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the artifact cache",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "cache directory (default: resolved like goclip does)")

	open := func(cmd *cobra.Command) (*cache.Store, error) {
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			cfg, _, err := config.Load(cmd.Context(), config.LoadOptions{WorkDir: wd})
			if err != nil {
				return nil, err
			}
			dir = cfg.CacheDir
		}
		return cache.Open(dir, cache.Options{})
	}

	cmd.AddCommand(newCacheLsCmd(open), newCachePruneCmd(open))
	return cmd
}

type storeOpener func(cmd *cobra.Command) (*cache.Store, error)

func newCacheLsCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached objects, least recently validated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			entries, err := s.List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIGEST\tSIZE\tLAST VALIDATED")
			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Fprintf(tw, "%s\t%d\t%s\n", artifact.Short(e.Digest), e.Size, e.LastValidated.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d objects, %d bytes in %s\n", len(entries), total, s.Dir())
			return nil
		},
	}
}

func newCachePruneCmd(open storeOpener) *cobra.Command {
	var opts cache.PruneOptions
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently validated objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.MaxBytes <= 0 && opts.MaxAge <= 0 {
				return fmt.Errorf("one of --max-bytes or --max-age is required")
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			res, err := s.Prune(opts)
			if err != nil {
				return err
			}

			verb := "removed"
			if opts.DryRun {
				verb = "would remove"
			}
			w := cmd.OutOrStdout()
			for _, e := range res.Removed {
				fmt.Fprintf(w, "%s %s (%d bytes)\n", verb, artifact.Short(e.Digest), e.Size)
			}
			fmt.Fprintf(w, "%s %d objects, %d bytes; kept %d\n", verb, len(res.Removed), res.FreedBytes, res.Kept)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&opts.MaxBytes, "max-bytes", 0, "evict until the cache is at most this many bytes")
	f.DurationVar(&opts.MaxAge, "max-age", 0, "evict objects not validated within this duration")
	f.DurationVar(&opts.Grace, "grace", 0, "protect objects validated within this duration (default 1h)")
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "report without removing")
	return cmd
}
