package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/memory"
)

const serverVersion = "1.0.0"

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long:  "Serve the recall and save tools over the Model Context Protocol on stdin/stdout.",
		Run:   runServe,
	}

	RootCmd.AddCommand(cmd)
}

type recallArgs struct {
	ProjectKey     string   `json:"project_key" jsonschema:"Project key"`
	TaskExternalID string   `json:"task_external_id,omitempty" jsonschema:"Tracker issue id"`
	RepoPath       string   `json:"repo_path,omitempty"`
	Query          string   `json:"query,omitempty" jsonschema:"Free text matched by embedding and substring"`
	Symbols        []string `json:"symbols,omitempty"`
	Signals        []string `json:"signals,omitempty"`
	LimitTokens    int      `json:"limit_tokens,omitempty"`
}

type saveArgs struct {
	ProjectKey     string             `json:"project_key"`
	TaskExternalID string             `json:"task_external_id,omitempty"`
	Kind           string             `json:"kind" jsonschema:"fact|fewshot|pattern|adr_link|gotcha|rule|link"`
	Content        string             `json:"content"`
	Scope          []string           `json:"scope,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
	Owner          string             `json:"owner,omitempty"`
	TTL            string             `json:"ttl,omitempty" jsonschema:"ISO timestamp or duration like 7d"`
	Quality        map[string]float64 `json:"quality,omitempty"`
	Meta           map[string]any     `json:"meta,omitempty"`
}

// newMCPServer registers the memory tools on a new server.
func newMCPServer(svc *memory.Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memcp-server",
		Version: serverVersion,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall",
		Description: "Recall memory bundle based on project/task context",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args recallArgs) (*mcp.CallToolResult, any, error) {
		b, err := svc.Recall(ctx, memory.RecallParams(args))
		if err != nil {
			return nil, nil, err
		}
		return textResult(b)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "save",
		Description: "Save a distilled memory record",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args saveArgs) (*mcp.CallToolResult, any, error) {
		res, err := svc.Save(ctx, memory.SaveParams(args))
		if err != nil {
			return nil, nil, err
		}
		return textResult(res)
	})

	return server
}

func textResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := mustApp(cmd)
	defer a.Close()

	if a.embedder != nil {
		pool := a.startPool(ctx)
		defer pool.Close()
	}

	log := a.log.Component("mcp")
	log.Info().Msg("serving on stdio")
	if err := newMCPServer(a.svc).Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		exitErr("serve", err)
	}
}
