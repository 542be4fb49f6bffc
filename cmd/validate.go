package cmd

import (
	"fmt"

	"github.com/geeknoid/cargo-rank/opa"
	"github.com/geeknoid/cargo-rank/risk"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Checks the configuration and compiles every expression",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := risk.NewClassifier(cmd.Context(), opa.NewOpa(), config); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d high risk and %d scored expressions\n", len(config.HighRiskIfAny), len(config.Eval))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
