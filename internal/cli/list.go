package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/model"
	"github.com/rcliao/memcp/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Run:   runList,
	}

	cmd.Flags().StringP("project", "p", "", "Filter by project key")
	cmd.Flags().StringP("kind", "k", "", "Filter by kind")
	cmd.Flags().String("task", "", "Filter by tracker issue id")
	cmd.Flags().StringP("query", "q", "", "Case-insensitive content substring")
	cmd.Flags().StringP("scope", "s", "", "Filter by scope (comma-separated, any match)")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated, any match)")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("all", false, "Include expired memories")
	cmd.Flags().Bool("ids-only", false, "Only output record ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	kindStr, _ := cmd.Flags().GetString("kind")
	task, _ := cmd.Flags().GetString("task")
	query, _ := cmd.Flags().GetString("query")
	scope, _ := cmd.Flags().GetString("scope")
	tags, _ := cmd.Flags().GetString("tags")
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	var kind model.Kind
	if kindStr != "" {
		var err error
		if kind, err = model.ParseKind(kindStr); err != nil {
			exitErr("list", err)
		}
	}

	a := mustApp(cmd)
	defer a.Close()

	f := store.Filter{
		TaskExternalID: task,
		Kind:           kind,
		Query:          query,
		Scope:          splitList(scope),
		Tags:           splitList(tags),
		IncludeExpired: all,
		Limit:          limit,
	}
	if project != "" {
		p, err := a.store.FindProject(cmd.Context(), project)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("[]")
			return
		}
		if err != nil {
			exitErr("list", err)
		}
		f.ProjectID = p.ID
	}

	records, err := a.store.FindRecords(cmd.Context(), f)
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, r := range records {
			fmt.Println(r.ID)
		}
		return
	}

	if records == nil {
		records = []model.MemoryRecord{}
	}
	b, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(b))
}
