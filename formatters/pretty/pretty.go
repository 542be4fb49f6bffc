package pretty

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/results"
)

type Format struct {
	Out io.Writer
	// Details adds one table per crate listing every expression outcome.
	Details bool
}

func (f *Format) Format(ctx context.Context, set *results.Set) error {
	out := f.Out
	if out == nil {
		out = os.Stdout
	}

	if set.Len() == 0 {
		log.Info().Msg("No crates were appraised")
		return nil
	}

	if f.Details {
		for _, entry := range set.Entries {
			if err := printOutcomes(out, entry); err != nil {
				return err
			}
		}
	}

	return printSummaryTable(out, set)
}

func printOutcomes(out io.Writer, entry results.Entry) error {
	purl := entry.Package.Purl()
	fmt.Fprintf(out, "Crate: %s (%s)\n", entry.Package, purl.Link())
	if entry.Metrics != nil && len(entry.Metrics.Unavailable) > 0 {
		fmt.Fprintf(out, "Unavailable: %s\n", unavailable(entry.Metrics))
	}
	if entry.Score == nil {
		fmt.Fprint(out, "\n")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Bucket", "Expression", "Points", "Result", "Error")
	for _, o := range entry.Score.Outcomes {
		points := ""
		if o.Bucket == models.BucketEval {
			points = formatFloat(o.Points)
		}
		if err := table.Append(string(o.Bucket), o.Name, points, string(o.Result), o.Error); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprint(out, "\n")
	return nil
}

func printSummaryTable(out io.Writer, set *results.Set) error {
	table := tablewriter.NewWriter(out)
	table.Header("Crate", "Version", "Tier", "Score", "High Risk", "Unavailable")

	for _, entry := range set.Entries {
		tier, score, triggers := "-", "-", ""
		if entry.Score != nil {
			tier = string(entry.Score.Tier)
			score = fmt.Sprintf("%s%% (%s/%s)", formatFloat(entry.Score.Percentage), formatFloat(entry.Score.Granted), formatFloat(entry.Score.Total))
			triggers = strings.Join(entry.Score.HighRiskTriggers(), ", ")
		}

		version := entry.Package.Version()
		if version == "" {
			version = "-"
		}

		if err := table.Append(entry.Package.Name(), version, tier, score, triggers, unavailable(entry.Metrics)); err != nil {
			return err
		}
	}

	fmt.Fprint(out, "\nSummary of appraisals:\n")
	if err := table.Render(); err != nil {
		return err
	}

	tiers := set.Tiers()
	fmt.Fprintf(out, "Low: %d  Medium: %d  High: %d\n", tiers[models.TierLow], tiers[models.TierMedium], tiers[models.TierHigh])
	return nil
}

func unavailable(record *models.MetricsRecord) string {
	if record == nil {
		return ""
	}
	services := make([]string, 0, len(record.Unavailable))
	for service := range record.Unavailable {
		services = append(services, service)
	}
	sort.Strings(services)
	return strings.Join(services, ", ")
}

func formatFloat(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	return strings.TrimSuffix(s, ".0")
}
