package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/consolidate"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Archive cells beyond the scene and scope caps",
		RunE:  runCaps,
	}

	cmd.Flags().String("scope", "", "Scope (default: config scope)")

	RootCmd.AddCommand(cmd)
}

func runCaps(cmd *cobra.Command, args []string) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	sc := scope(scopeFlag)
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		n, err := consolidate.New(s, engineOptions(), logger).EnforceCaps(cmd.Context(), sc, t)
		if err != nil {
			return err
		}
		printJSON(map[string]any{"ok": true, "scope": sc, "archived": n})
		return nil
	})
}
