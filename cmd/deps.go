package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/geeknoid/cargo-rank/analyze"
	"github.com/geeknoid/cargo-rank/cargo"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var manifestPath string
var metadataFile string
var dependencyKinds string
var features []string
var allFeatures bool
var noDefaultFeatures bool

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Appraises the dependencies of a Cargo workspace",
	Long: `Appraises the dependencies of a Cargo workspace. The dependency graph comes
from cargo metadata, either run against --manifest-path or read from a file
saved with 'cargo metadata --format-version 1'.
Example: cargo-rank deps --manifest-path Cargo.toml --dependency-kinds normal,build`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kinds, err := cargo.ParseKinds(dependencyKinds)
		if err != nil {
			return err
		}

		metadata, err := loadMetadata(ctx)
		if err != nil {
			return err
		}

		deps, err := metadata.Dependencies(kinds)
		if err != nil {
			return fmt.Errorf("failed to walk the dependency graph: %w", err)
		}
		if len(deps) == 0 {
			log.Info().Msg("The workspace has no dependencies of the selected kinds")
		}

		return runAppraisal(ctx, dependencyTargets(deps), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(depsCmd)

	depsCmd.Flags().StringVar(&manifestPath, "manifest-path", "", "Path to Cargo.toml (default is the workspace of the current directory)")
	depsCmd.Flags().StringVar(&metadataFile, "metadata-file", "", "Read cargo metadata output from this file instead of running cargo")
	depsCmd.Flags().StringVar(&dependencyKinds, "dependency-kinds", "normal,dev,build", "Comma-separated dependency kinds to appraise (normal, dev, build)")
	depsCmd.Flags().StringSliceVarP(&features, "features", "F", nil, "Features to activate")
	depsCmd.Flags().BoolVar(&allFeatures, "all-features", false, "Activate all available features")
	depsCmd.Flags().BoolVar(&noDefaultFeatures, "no-default-features", false, "Do not activate the default feature")
	depsCmd.MarkFlagsMutuallyExclusive("manifest-path", "metadata-file")
}

func loadMetadata(ctx context.Context) (*cargo.Metadata, error) {
	if metadataFile != "" {
		metadata, err := cargo.ReadFile(metadataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata file: %w", err)
		}
		return metadata, nil
	}

	runner := &cargo.ExecRunner{Binary: os.Getenv("CARGO")}
	metadata, err := cargo.Load(ctx, runner, cargo.LoadOptions{
		ManifestPath:      manifestPath,
		Features:          features,
		AllFeatures:       allFeatures,
		NoDefaultFeatures: noDefaultFeatures,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run cargo metadata: %w", err)
	}
	return metadata, nil
}

func dependencyTargets(deps []cargo.Dependency) []analyze.Target {
	targets := make([]analyze.Target, 0, len(deps))
	for _, dep := range deps {
		transitive := dep.Transitive
		targets = append(targets, analyze.Target{Package: dep.Package, Transitive: &transitive})
	}
	return targets
}
