package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long: "Import memories from JSON (file or stdin). Expects the format produced by export.\n" +
			"Records go through save, so near-duplicates merge into existing memories.",
		Args: cobra.MaximumNArgs(1),
		Run:  runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open file", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		exitErr("read input", err)
	}

	var records []store.ExportedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		exitErr("parse json", err)
	}

	a := mustApp(cmd)
	defer a.Close()
	a.useSaveQueue()

	res, err := a.svc.Import(cmd.Context(), records)
	if err != nil {
		exitErr("import", err)
	}

	b, _ := json.Marshal(res)
	fmt.Println(string(b))
}
