package cmd

import (
	"errors"
	"fmt"

	"github.com/geeknoid/cargo-rank/analyze"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/spf13/cobra"
)

var cratesCmd = &cobra.Command{
	Use:   "crates CRATE...",
	Short: "Appraises the named crates",
	Long: `Appraises the named crates. Each crate is given as name, name@version or
pkg:cargo/name@version. Without a version the newest release is appraised.
Example: cargo-rank crates serde@1.0.200 tokio`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkgs, err := parseCrates(args)
		if err != nil {
			return err
		}
		return runAppraisal(cmd.Context(), analyze.Targets(pkgs...), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(cratesCmd)
}

// parseCrates parses every argument, reporting all the invalid ones at once.
// Duplicates, including spellings crates.io treats as equal, are appraised once.
func parseCrates(args []string) ([]models.PackageIdentity, error) {
	var errs []error
	seen := make(map[string]bool, len(args))
	pkgs := make([]models.PackageIdentity, 0, len(args))
	for _, arg := range args {
		pkg, err := models.ParsePackageIdentity(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid crate %q: %w", arg, err))
			continue
		}
		purl := pkg.Purl()
		purl.Normalize()
		if seen[purl.String()] {
			continue
		}
		seen[purl.String()] = true
		pkgs = append(pkgs, pkg)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return pkgs, nil
}
