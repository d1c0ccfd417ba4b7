package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/chunker"
	"github.com/rcliao/memcp/internal/memory"
	"github.com/rcliao/memcp/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "save [content]",
		Short: "Save a memory",
		Long: "Save a distilled memory. Content can be a positional arg or piped via stdin.\n" +
			"Near-duplicates of an existing memory in the same project are merged into it.",
		Run: runSave,
	}

	cmd.Flags().StringP("project", "p", "", "Project key (required)")
	cmd.Flags().StringP("kind", "k", string(model.KindFact), "Kind: "+model.KindList())
	cmd.Flags().String("task", "", "Tracker issue id")
	cmd.Flags().StringP("scope", "s", "", "Comma-separated scope segments")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("owner", "", "Owner")
	cmd.Flags().String("ttl", "", "Expiry: RFC3339 timestamp or duration like 7d, 24h, 30m")
	cmd.Flags().String("quality", "", `JSON quality metrics, e.g. {"precision":0.9}`)
	cmd.Flags().String("meta", "", "JSON metadata")
	cmd.Flags().Bool("split", false, "Split long markdown into one memory per section")

	cmd.MarkFlagRequired("project")

	RootCmd.AddCommand(cmd)
}

func runSave(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	kind, _ := cmd.Flags().GetString("kind")
	task, _ := cmd.Flags().GetString("task")
	scope, _ := cmd.Flags().GetString("scope")
	tags, _ := cmd.Flags().GetString("tags")
	owner, _ := cmd.Flags().GetString("owner")
	ttl, _ := cmd.Flags().GetString("ttl")
	qualityStr, _ := cmd.Flags().GetString("quality")
	metaStr, _ := cmd.Flags().GetString("meta")
	split, _ := cmd.Flags().GetBool("split")

	content, err := saveContent(args, readStdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var quality map[string]float64
	if qualityStr != "" {
		if err := json.Unmarshal([]byte(qualityStr), &quality); err != nil {
			exitErr("parse quality", err)
		}
	}
	var meta map[string]any
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			exitErr("parse meta", err)
		}
	}

	a := mustApp(cmd)
	defer a.Close()
	a.useSaveQueue()

	base := memory.SaveParams{
		ProjectKey:     project,
		TaskExternalID: task,
		Kind:           kind,
		Content:        content,
		Scope:          splitList(scope),
		Tags:           splitList(tags),
		Owner:          owner,
		TTL:            ttl,
		Quality:        quality,
		Meta:           meta,
	}

	if !split {
		res, err := a.svc.Save(cmd.Context(), base)
		checkSaveErr(err)
		b, _ := json.Marshal(res)
		fmt.Println(string(b))
		return
	}

	chunks := chunker.Split(content, chunker.DefaultOptions())
	if len(chunks) == 0 {
		exitErr("save", errors.New("content is required (positional arg or stdin)"))
	}
	results := make([]*memory.SaveResult, 0, len(chunks))
	for i, c := range chunks {
		p := base
		p.Content = c.Text
		p.Meta = map[string]any{}
		for k, v := range meta {
			p.Meta[k] = v
		}
		p.Meta["chunk"] = i + 1
		p.Meta["chunks"] = len(chunks)
		p.Meta["source_lines"] = fmt.Sprintf("%d-%d", c.StartLine, c.EndLine)

		res, err := a.svc.Save(cmd.Context(), p)
		checkSaveErr(err)
		results = append(results, res)
	}
	b, _ := json.Marshal(results)
	fmt.Println(string(b))
}

func checkSaveErr(err error) {
	var verr *memory.ValidationError
	if errors.As(err, &verr) {
		exitErr("save", fmt.Errorf("invalid request: %s", strings.Join(verr.Messages, ", ")))
	}
	if err != nil {
		exitErr("save", err)
	}
}

// saveContent returns the positional content, falling back to stdin when
// the args are blank. Whitespace is kept as given.
func saveContent(args []string, stdin func() (string, error)) (string, error) {
	content := strings.Join(args, " ")
	if strings.TrimSpace(content) != "" {
		return content, nil
	}
	return stdin()
}

// readStdin returns piped input, or "" when stdin is a terminal.
func readStdin() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
