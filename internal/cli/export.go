package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export memories as a JSON array, expired ones included. Filter by project with -p.",
		Run:   runExport,
	}

	cmd.Flags().StringP("project", "p", "", "Project key (default: all projects)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")

	a := mustApp(cmd)
	defer a.Close()

	keys := []string{project}
	if project == "" {
		projects, err := a.store.ListProjects(cmd.Context())
		if err != nil {
			exitErr("export", err)
		}
		keys = keys[:0]
		for _, p := range projects {
			keys = append(keys, p.Key)
		}
	}

	all := []store.ExportedRecord{}
	for _, key := range keys {
		records, err := a.svc.Export(cmd.Context(), key)
		if err != nil {
			exitErr("export", err)
		}
		all = append(all, records...)
	}

	b, _ := json.MarshalIndent(all, "", "  ")
	fmt.Println(string(b))
}
