package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Writes the default configuration to a file",
	Long: `Writes the default configuration to PATH (default .cargo-rank.yml) as a
starting point for your own expressions and thresholds.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigName + ".yml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := writeDefaultConfig(path, forceInit); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("Wrote default configuration")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")
}

func writeDefaultConfig(path string, force bool) error {
	data, err := yaml.Marshal(models.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode the default configuration: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
