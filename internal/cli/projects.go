package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List all projects",
		Run:   runProjects,
	}

	RootCmd.AddCommand(cmd)
}

func runProjects(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	projects, err := a.store.ListProjects(cmd.Context())
	if err != nil {
		exitErr("list projects", err)
	}
	if projects == nil {
		projects = []model.Project{}
	}

	b, _ := json.MarshalIndent(projects, "", "  ")
	fmt.Println(string(b))
}
