package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/consolidate"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Fold new experiences into semantic scenes and cells",
		Long: `Processes every experience in the scope newer than the last watermark:
groups them into scenes, extracts candidate cells, links evidence, detects
contradictions, advances cell states and enforces caps.`,
		RunE: runConsolidate,
	}

	cmd.Flags().String("scope", "", "Scope (default: config scope)")
	cmd.Flags().Bool("status", false, "Only show the scope's watermark")

	RootCmd.AddCommand(cmd)
}

func engineOptions() consolidate.Options {
	threshold := cfg.Consolidation.DecayArchiveSalience
	return consolidate.Options{
		SceneCellCap:         cfg.Consolidation.SceneCellCap,
		ScopeCellCap:         cfg.Consolidation.ScopeCellCap,
		DecayArchiveSalience: &threshold,
	}
}

type consolidationStatus struct {
	Scope     string `json:"scope"`
	Watermark string `json:"watermark,omitempty"`
	HasRun    bool   `json:"has_run"`
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	statusOnly, _ := cmd.Flags().GetBool("status")
	sc := scope(scopeFlag)

	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		eng := consolidate.New(s, engineOptions(), logger)
		if statusOnly {
			wm, ok, err := eng.Status(cmd.Context(), sc)
			if err != nil {
				return err
			}
			st := consolidationStatus{Scope: sc, HasRun: ok}
			if ok {
				st.Watermark = model.FormatTime(wm)
			}
			printJSON(st)
			return nil
		}

		res, err := eng.Run(cmd.Context(), sc, t)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}
