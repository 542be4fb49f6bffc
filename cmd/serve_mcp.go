package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geeknoid/cargo-rank/analyze"
	"github.com/geeknoid/cargo-rank/results"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// maxToolCrates bounds the crates one tool call may appraise.
const maxToolCrates = 100

var serveMcpCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Starts the cargo-rank MCP server",
	Long: `Starts the cargo-rank MCP server that exposes crate appraisal through the
Model Context Protocol (MCP). The server communicates via JSON-RPC over stdio
and provides these tools:
- appraise_crates: Appraise crates given as name or name@version

Forge tokens are taken from --github-token/--gitlab-token or the environment.
Example: cargo-rank serve-mcp --github-token "$GITHUB_TOKEN"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := pipelineOptionsFromFlags()
		opts.Progress = nil

		p, err := newPipeline(ctx, config, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close cache")
			}
		}()

		return server.ServeStdio(newMCPServer(p.analyzer))
	},
}

func init() {
	rootCmd.AddCommand(serveMcpCmd)
}

// Appraiser is the part of the analyzer the MCP tools use.
type Appraiser interface {
	Appraise(ctx context.Context, targets []analyze.Target) (*results.Set, error)
}

func newMCPServer(appraiser Appraiser) *server.MCPServer {
	s := server.NewMCPServer(
		"cargo-rank",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	appraiseCratesTool := mcp.NewTool("appraise_crates",
		mcp.WithDescription("Appraise the quality and risk of Rust crates. Returns metrics, unavailable services and the risk score of each crate."),
		mcp.WithString("crates",
			mcp.Required(),
			mcp.Description("Crates separated by commas or spaces, as name or name@version (i.e. 'serde@1.0.200, tokio')"),
		),
		mcp.WithBoolean("include_metrics",
			mcp.Description("Include the raw metrics of each crate. Defaults to true"),
		),
	)

	s.AddTool(appraiseCratesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAppraiseCrates(ctx, request, appraiser)
	})
	return s
}

func handleAppraiseCrates(ctx context.Context, request mcp.CallToolRequest, appraiser Appraiser) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("crates")
	if err != nil {
		return mcp.NewToolResultError("crates parameter is required"), nil
	}
	includeMetrics := request.GetBool("include_metrics", true)

	args := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(args) == 0 {
		return mcp.NewToolResultError("crates parameter is empty"), nil
	}
	if len(args) > maxToolCrates {
		return mcp.NewToolResultError(fmt.Sprintf("too many crates: %d, at most %d per call", len(args), maxToolCrates)), nil
	}

	pkgs, err := parseCrates(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	set, err := appraiser.Appraise(ctx, analyze.Targets(pkgs...))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to appraise crates: %v", err)), nil
	}

	if !includeMetrics {
		for i := range set.Entries {
			if m := set.Entries[i].Metrics; m != nil {
				trimmed := *m
				trimmed.Fields = nil
				set.Entries[i].Metrics = &trimmed
			}
		}
	}

	resultData, err := json.Marshal(set)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}

	return mcp.NewToolResultText(string(resultData)), nil
}
