package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/contextpack"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Assemble a bounded context pack for a session",
		Long: `Ranks cells and recent experiences, greedily packs them into a byte budget
and records the resulting context hash on the session.`,
		RunE: runPack,
	}

	cmd.Flags().StringP("session", "s", "", "Session ID (required)")
	cmd.Flags().String("scope", "", "Scope (default: config scope)")
	cmd.Flags().StringSliceP("keys", "k", nil, "Context keys")
	cmd.Flags().Int("max-cells", 0, "Max cells (default: config)")
	cmd.Flags().Int("max-experiences", 0, "Max experiences (default: config)")
	cmd.Flags().IntP("budget", "b", 0, "Byte budget (default: config)")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func runPack(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	scopeFlag, _ := cmd.Flags().GetString("scope")
	keys, _ := cmd.Flags().GetStringSlice("keys")
	maxCells, _ := cmd.Flags().GetInt("max-cells")
	maxExps, _ := cmd.Flags().GetInt("max-experiences")
	budget, _ := cmd.Flags().GetInt("budget")

	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		p, err := contextpack.New(s, logger).Pack(cmd.Context(), contextpack.Params{
			SessionID:      sessionID,
			Scope:          scope(scopeFlag),
			ContextKeys:    keys,
			MaxCells:       orDefault(maxCells, cfg.Pack.MaxCells),
			MaxExperiences: orDefault(maxExps, cfg.Pack.MaxExperiences),
			ByteBudget:     orDefault(budget, cfg.Pack.ByteBudget),
		}, t)
		if err != nil {
			return err
		}
		printJSON(p)
		return nil
	})
}
