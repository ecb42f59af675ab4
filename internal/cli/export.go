package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a scope's experiences, scenes and cells as JSON",
		RunE:  runExport,
	}

	cmd.Flags().String("scope", "", "Scope (default: config scope)")

	RootCmd.AddCommand(cmd)
}

type exportDoc struct {
	Scope       string             `json:"scope"`
	Experiences []model.Experience `json:"experiences"`
	Scenes      []model.Scene      `json:"scenes"`
	Cells       []model.Cell       `json:"cells"`
}

func runExport(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	doc := exportDoc{Scope: scope(scopeFlag)}

	return withStore(func(s *store.Store) error {
		var err error
		doc.Experiences, err = episodic.New(s, logger).Export(cmd.Context(), doc.Scope)
		if err != nil {
			return err
		}
		sem := semantic.New(s, logger)
		doc.Scenes, err = sem.ListScenes(cmd.Context(), doc.Scope)
		if err != nil {
			return err
		}
		doc.Cells, err = sem.ListCells(cmd.Context(), semantic.ListCellsParams{Scope: doc.Scope, IncludeArchived: true})
		if err != nil {
			return err
		}

		if doc.Experiences == nil {
			doc.Experiences = []model.Experience{}
		}
		if doc.Scenes == nil {
			doc.Scenes = []model.Scene{}
		}
		if doc.Cells == nil {
			doc.Cells = []model.Cell{}
		}
		printJSON(doc)
		return nil
	})
}
