package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "experiences",
		Short: "List experiences by rank",
		RunE:  runExperiences,
	}

	cmd.Flags().String("scope", "", "Scope (default: config scope)")
	cmd.Flags().StringP("session", "s", "", "Filter by session")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runExperiences(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	sessionID, _ := cmd.Flags().GetString("session")
	limit, _ := cmd.Flags().GetInt("limit")

	return withStore(func(s *store.Store) error {
		exps, err := episodic.New(s, logger).Query(cmd.Context(), episodic.QueryParams{
			Scope:     scope(scopeFlag),
			SessionID: sessionID,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		if exps == nil {
			exps = []model.Experience{}
		}
		printJSON(exps)
		return nil
	})
}
