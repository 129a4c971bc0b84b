package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/patch"
)

func newDiffCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Generate a BSDIFF40 patch turning old into new",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			newData, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			p, err := patch.Diff(oldData, newData)
			if err != nil {
				return fmt.Errorf("diff: %w", err)
			}
			if err := os.WriteFile(out, p, 0o644); err != nil {
				return fmt.Errorf("write patch: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "base   %s\n", artifact.New(args[0], "", oldData).Digest)
			fmt.Fprintf(w, "patch  %s (%d bytes)\n", artifact.New(out, "", p).Digest, len(p))
			fmt.Fprintf(w, "output %s\n", artifact.New(args[1], "", newData).Digest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "patch file to write")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newApplyCmd() *cobra.Command {
	var (
		out    string
		expect string
	)
	cmd := &cobra.Command{
		Use:   "apply <base> <patch>",
		Short: "Apply a patch offline and optionally verify the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			result, err := patch.Apply(base, p)
			if err != nil {
				return err
			}
			a := artifact.New(out, "", result)
			if expect != "" {
				want, err := artifact.ParseDigest(expect)
				if err != nil {
					return err
				}
				if !a.Matches(want) {
					return &patch.Error{Kind: patch.KindIntegrityMismatch, Target: out, Detail: fmt.Sprintf("got %s, want %s", a.Digest, want)}
				}
			}

			if err := os.WriteFile(out, result, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", a.Digest, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "file to write the patched result to")
	cmd.Flags().StringVar(&expect, "expect", "", "expected sha256 of the result")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
