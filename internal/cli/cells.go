package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cells",
		Short: "List, inspect and curate semantic cells",
		Long: `Without a subcommand, lists cells in the scope. With --keys, lists the
cells of the scenes those context keys match, in rank order.`,
		RunE: runCells,
	}
	cmd.Flags().String("scope", "", "Scope (default: config scope)")
	cmd.Flags().Int64("scene", 0, "Filter by scene ID")
	cmd.Flags().StringSliceP("keys", "k", nil, "Context keys to match scenes against")
	cmd.Flags().Bool("archived", false, "Include archived cells")
	cmd.Flags().IntP("limit", "l", 20, "Max results when --keys is set")

	show := &cobra.Command{
		Use:   "show [cell-id]",
		Short: "Show a cell and its evidence",
		Args:  cobra.ExactArgs(1),
		RunE:  runCellShow,
	}

	archive := &cobra.Command{
		Use:   "archive [cell-id]",
		Short: "Archive a cell",
		Args:  cobra.ExactArgs(1),
		RunE:  runCellArchive,
	}

	trust := &cobra.Command{
		Use:   "trust [cell-id] [0-3]",
		Short: "Set a cell's trust and recompute its salience",
		Args:  cobra.ExactArgs(2),
		RunE:  runCellTrust,
	}

	scenes := &cobra.Command{
		Use:   "scenes",
		Short: "List the scope's scenes",
		RunE:  runScenes,
	}
	scenes.Flags().String("scope", "", "Scope (default: config scope)")

	cmd.AddCommand(show, archive, trust, scenes)
	RootCmd.AddCommand(cmd)
}

func parseCellID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, model.Invalid(model.CodeCellNotFound, "invalid cell id %q", s)
	}
	return id, nil
}

func runCells(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	sceneID, _ := cmd.Flags().GetInt64("scene")
	keys, _ := cmd.Flags().GetStringSlice("keys")
	archived, _ := cmd.Flags().GetBool("archived")
	limit, _ := cmd.Flags().GetInt("limit")

	return withStore(func(s *store.Store) error {
		sem := semantic.New(s, logger)
		if len(keys) > 0 {
			res, err := sem.QueryForContext(cmd.Context(), semantic.ContextQuery{
				Scope:       scope(scopeFlag),
				ContextKeys: keys,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		}

		cells, err := sem.ListCells(cmd.Context(), semantic.ListCellsParams{
			Scope:           scope(scopeFlag),
			SceneID:         sceneID,
			IncludeArchived: archived,
		})
		if err != nil {
			return err
		}
		if cells == nil {
			cells = []model.Cell{}
		}
		printJSON(cells)
		return nil
	})
}

type cellDetail struct {
	*model.Cell
	Evidence []model.Evidence `json:"evidence"`
}

func runCellShow(cmd *cobra.Command, args []string) error {
	id, err := parseCellID(args[0])
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		sem := semantic.New(s, logger)
		cell, err := sem.GetCell(cmd.Context(), id)
		if err != nil {
			return err
		}
		if cell == nil {
			return model.Invalid(model.CodeCellNotFound, "cell %d not found", id)
		}
		ev, err := sem.Evidence(cmd.Context(), id)
		if err != nil {
			return err
		}
		if ev == nil {
			ev = []model.Evidence{}
		}
		printJSON(cellDetail{Cell: cell, Evidence: ev})
		return nil
	})
}

func runCellArchive(cmd *cobra.Command, args []string) error {
	id, err := parseCellID(args[0])
	if err != nil {
		return err
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		sem := semantic.New(s, logger)
		if err := sem.Archive(cmd.Context(), id, t); err != nil {
			return err
		}
		cell, err := sem.GetCell(cmd.Context(), id)
		if err != nil {
			return err
		}
		printJSON(cell)
		return nil
	})
}

func runCellTrust(cmd *cobra.Command, args []string) error {
	id, err := parseCellID(args[0])
	if err != nil {
		return err
	}
	trust, err := strconv.Atoi(args[1])
	if err != nil {
		return model.Invalid(model.CodeInvalidTrust, "trust must be an integer 0-3, got %q", args[1])
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		cell, err := semantic.New(s, logger).SetTrust(cmd.Context(), id, trust, t)
		if err != nil {
			return err
		}
		printJSON(cell)
		return nil
	})
}

func runScenes(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	return withStore(func(s *store.Store) error {
		scenes, err := semantic.New(s, logger).ListScenes(cmd.Context(), scope(scopeFlag))
		if err != nil {
			return err
		}
		if scenes == nil {
			scenes = []model.Scene{}
		}
		printJSON(scenes)
		return nil
	})
}
