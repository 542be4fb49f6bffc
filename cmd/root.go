package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/geeknoid/cargo-rank/analyze"
	"github.com/geeknoid/cargo-rank/formatters/json"
	"github.com/geeknoid/cargo-rank/formatters/noop"
	"github.com/geeknoid/cargo-rank/formatters/pretty"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/results"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Format string
var Verbose bool
var Details bool
var IgnoreCached bool
var MetricsOut string
var CacheDir string
var ErrorIfHighRisk bool
var ErrorIfMediumRisk bool
var GitHubDomain scm_domain.ScmBaseDomain
var GitLabDomain scm_domain.ScmBaseDomain
var (
	Version string
	Commit  string
	Date    string
)
var cfgFile string
var config = models.DefaultConfig()

const (
	exitCodeErr       = 1
	exitCodeInterrupt = 2

	envPrefix         = "CARGO_RANK"
	defaultConfigName = ".cargo-rank"
)

var ErrRiskThreshold = errors.New("risk threshold exceeded")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cargo-rank",
	Short: "Appraises the quality and risk of Rust crates",
	Long: `Appraises the quality and risk of Rust crates.
Metrics are gathered from crates.io, the crate's source forge, OSV, docs.rs,
Codecov and a local checkout of the repository, then scored with the
expressions of the configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if Verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		output := zerolog.ConsoleWriter{Out: os.Stderr}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		log.Logger = log.Output(output)

		cfg, err := loadConfig(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		config = cfg
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signalChan)
		cancel()
	}()

	go func() {
		select {
		case <-signalChan: // first signal, cancel context
			log.Warn().Msg("Interrupted, finishing in-flight work. Press Ctrl+C again to exit immediately")
			cancel()
		case <-ctx.Done():
			return
		}
		<-signalChan // second signal, hard exit
		os.Exit(exitCodeInterrupt)
	}()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(exitCodeErr)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .cargo-rank.yml in the current directory)")
	rootCmd.PersistentFlags().StringVarP(&Format, "format", "f", "pretty", "Output format (pretty, json, none)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&Details, "details", false, "Show every expression outcome in the pretty output")
	rootCmd.PersistentFlags().BoolVar(&IgnoreCached, "ignore-cached", false, "Refetch data even when a fresh cached copy exists")
	rootCmd.PersistentFlags().StringVar(&MetricsOut, "metrics-out", "", "Write pipeline metrics to this file in the Prometheus text format")
	rootCmd.PersistentFlags().StringVar(&CacheDir, "cache-dir", "", "Directory holding the cache (overrides cache_dir)")
	rootCmd.PersistentFlags().BoolVar(&ErrorIfHighRisk, "error-if-high-risk", false, "Exit with status 1 when any crate is appraised as high risk")
	rootCmd.PersistentFlags().BoolVar(&ErrorIfMediumRisk, "error-if-medium-risk", false, "Exit with status 1 when any crate is appraised as medium or high risk")
	rootCmd.PersistentFlags().String("github-token", "", "GitHub access token (env: GITHUB_TOKEN, GH_TOKEN)")
	rootCmd.PersistentFlags().String("gitlab-token", "", "GitLab access token (env: GITLAB_TOKEN)")
	rootCmd.PersistentFlags().Var(&GitHubDomain, "github-domain", "Domain of a GitHub Enterprise instance hosting crates (optional)")
	rootCmd.PersistentFlags().Var(&GitLabDomain, "gitlab-domain", "Domain of a self-hosted GitLab instance hosting crates (optional)")

	_ = viper.BindPFlag("github_token", rootCmd.PersistentFlags().Lookup("github-token"))
	_ = viper.BindPFlag("gitlab_token", rootCmd.PersistentFlags().Lookup("gitlab-token"))
	_ = viper.BindEnv("github_token", envPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN")
	_ = viper.BindEnv("gitlab_token", envPrefix+"_GITLAB_TOKEN", "GITLAB_TOKEN")
}

// loadConfig reads the configuration file into a fresh config. Without a
// file the built-in defaults apply; a file replaces the default expressions
// but inherits the defaults of every setting it leaves out.
func loadConfig(v *viper.Viper, path string) (*models.Config, error) {
	defaults := models.DefaultConfig()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("medium_risk_threshold", defaults.MediumRiskThreshold)
	v.SetDefault("low_risk_threshold", defaults.LowRiskThreshold)
	v.SetDefault("cache_backend", defaults.CacheBackend)
	v.SetDefault("cache_ttl", defaults.CacheTTL)
	v.SetDefault("max_packages", defaults.MaxPackages)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(defaultConfigName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("can't read config: %w", err)
		}
		log.Debug().Msg("No config file found, using the default configuration")
		cfg := defaults
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unable to unmarshal config: %w", err)
		}
		return cfg, nil
	}

	log.Debug().Str("path", v.ConfigFileUsed()).Msg("Loaded config file")
	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return cfg, nil
}

// resolveCacheDir picks the cache directory: the flag, then the config, then
// the user cache directory. A leading ~ expands to the home directory.
func resolveCacheDir(flag string, cfg *models.Config) (string, error) {
	dir := flag
	if dir == "" {
		dir = cfg.CacheDir
	}
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate the user cache directory: %w", err)
		}
		return filepath.Join(base, "cargo-rank"), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %q: %w", dir, err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

func GetFormatter(out io.Writer) analyze.Formatter {
	switch Format {
	case "pretty":
		return &pretty.Format{Out: out, Details: Details}
	case "json":
		return json.NewFormat(out)
	case "none":
		return &noop.Format{}
	}
	return &pretty.Format{Out: out, Details: Details}
}

// checkRisk turns the risk flags into an error once the report is written.
func checkRisk(set *results.Set) error {
	tiers := set.Tiers()
	switch {
	case ErrorIfHighRisk && tiers[models.TierHigh] > 0:
		return fmt.Errorf("%w: %d high risk crate(s)", ErrRiskThreshold, tiers[models.TierHigh])
	case ErrorIfMediumRisk && tiers[models.TierHigh]+tiers[models.TierMedium] > 0:
		return fmt.Errorf("%w: %d medium or high risk crate(s)", ErrRiskThreshold, tiers[models.TierHigh]+tiers[models.TierMedium])
	}
	return nil
}

func writeMetrics() error {
	if MetricsOut == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(MetricsOut, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", MetricsOut, err)
	}
	log.Debug().Str("path", MetricsOut).Msg("Wrote metrics")
	return nil
}
