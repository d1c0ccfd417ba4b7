package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Generate missing embeddings",
		Long:  "Compute embeddings for active memories that lack one, then exit.",
		Run:   runEmbed,
	}

	cmd.Flags().IntP("limit", "l", 0, "Max records to process (default: worker.backfill_batch)")

	RootCmd.AddCommand(cmd)
}

func runEmbed(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := mustApp(cmd)
	defer a.Close()
	if a.embedder == nil {
		exitErr("embed", errors.New("no embedding provider configured"))
	}
	if limit <= 0 {
		limit = a.cfg.Worker.BackfillBatch
	}
	a.useInlineQueue()

	n, err := a.svc.Backfill(cmd.Context(), limit)
	if err != nil {
		exitErr("embed", err)
	}

	fmt.Printf(`{"ok":true,"embedded":%d}`+"\n", n)
}
