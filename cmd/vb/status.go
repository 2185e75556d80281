package main

import (
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/untoldecay/vbranch/internal/statusindex"
	"github.com/untoldecay/vbranch/internal/vbui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List virtual branches from the local status index",
	Long: `Reads the disposable SQLite mirror under .git/vbranch/status.db
rather than re-running detection, so it answers instantly. Run
"vb sync" first (or "vb watch" in the background) to keep it fresh.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		o, err := buildOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		dbPath := filepath.Join(o.GitDir, "vbranch", "status.db")
		idx, err := statusindex.Open(cmd.Context(), dbPath)
		if err != nil {
			return fmt.Errorf("opening status index: %w", err)
		}
		defer func() { _ = idx.Close() }()

		rows, err := idx.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading status index: %w", err)
		}
		if len(rows) == 0 {
			fmt.Println(vbui.StatusGlyph("no branches tracked yet; run \"vb sync\" first", vbui.MutedStyle))
			return nil
		}

		tableRows := make([][]string, 0, len(rows))
		for _, r := range rows {
			integration := r.IntegrationStatus
			if integration == "" {
				integration = "unknown"
			}
			if r.Confidence != "" {
				integration += " (" + r.Confidence + ")"
			}
			tableRows = append(tableRows, []string{r.Name, fmt.Sprint(r.CommitCount), r.Summary, integration})
		}
		t := table.New().
			Headers("BRANCH", "COMMITS", "SUMMARY", "INTEGRATION").
			Rows(tableRows...)
		fmt.Println(t)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
