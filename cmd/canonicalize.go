package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/apimapper/internal/endpoint"
)

func newCanonicalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "canonicalize URL...",
		Short: "Print the canonical form and endpoint identity of each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, raw := range args {
				canonical, err := endpoint.Canonicalize(raw)
				if err != nil {
					return fmt.Errorf("canonicalize %q: %w", raw, err)
				}
				id, err := endpoint.IdentityOf(canonical)
				if err != nil {
					return fmt.Errorf("identity of %q: %w", raw, err)
				}
				fmt.Fprintf(out, "%s\t%s\n", canonical, id)
			}
			return nil
		},
	}
}
