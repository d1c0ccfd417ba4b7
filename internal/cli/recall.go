package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/bundle"
	"github.com/rcliao/memcp/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Recall a memory bundle for a task",
		Long: "Recall the facts, few-shot examples and links relevant to a task context,\n" +
			"within a token budget. The optional query is matched by embedding and substring.",
		Run: runRecall,
	}

	cmd.Flags().StringP("project", "p", "", "Project key (required)")
	cmd.Flags().String("task", "", "Tracker issue id")
	cmd.Flags().StringP("repo-path", "r", "", "Repository path; its segments filter by scope")
	cmd.Flags().StringP("symbols", "s", "", "Comma-separated symbols; filter by scope")
	cmd.Flags().String("signals", "", "Comma-separated signals; filter by tags")
	cmd.Flags().IntP("limit-tokens", "l", bundle.DefaultLimitTokens, "Token budget")

	cmd.MarkFlagRequired("project")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	task, _ := cmd.Flags().GetString("task")
	repoPath, _ := cmd.Flags().GetString("repo-path")
	symbols, _ := cmd.Flags().GetString("symbols")
	signals, _ := cmd.Flags().GetString("signals")
	limit, _ := cmd.Flags().GetInt("limit-tokens")

	var query string
	if len(args) > 0 {
		query = args[0]
	}

	a := mustApp(cmd)
	defer a.Close()

	b, err := a.svc.Recall(cmd.Context(), memory.RecallParams{
		ProjectKey:     project,
		TaskExternalID: task,
		RepoPath:       repoPath,
		Query:          query,
		Symbols:        splitList(symbols),
		Signals:        splitList(signals),
		LimitTokens:    limit,
	})
	if err != nil {
		exitErr("recall", err)
	}

	out, _ := json.MarshalIndent(b, "", "  ")
	fmt.Println(string(out))
}
