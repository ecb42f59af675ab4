package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		stats, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		printJSON(stats)
		return nil
	})
}
