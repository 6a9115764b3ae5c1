package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// errIntegrity is returned when at least one module no longer matches its pin.
var errIntegrity = errors.New("integrity verification failed")

func newVerifyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Register the manifest and check every module against its pinned digest",
		Long: `Register every manifest entry and re-hash each registered module.

Entries carrying a sha256 pin are checked against it, so a module edited since
the manifest was written is reported. Exits non-zero when an entry is rejected
at registration or a module no longer matches its pinned digest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg, newAppLogger(cfg))
			if err != nil {
				return err
			}
			return a.verify(cmd.OutOrStdout())
		},
	}
}

func (a *app) verify(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSHA256\tMODULE")

	failed := 0
	for _, entry := range a.registry.List() {
		status := "ok"
		if !a.registry.VerifyIntegrity(entry.ID) {
			status = "MISMATCH"
			failed++
			a.onTamper(entry.ID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", entry.ID, status, entry.SHA256, entry.ModulePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if a.registerErr != nil {
		for _, err := range unwrapAll(a.registerErr) {
			fmt.Fprintf(w, "rejected: %v\n", err)
		}
		return fmt.Errorf("%w: %v", errIntegrity, a.registerErr)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d module(s) changed since registration", errIntegrity, failed)
	}
	return nil
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func newListCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered transforms as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg, newAppLogger(cfg))
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), a.registry.List())
		},
	}
}
