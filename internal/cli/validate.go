package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate [session-id] [context-hash]",
		Short: "Check a session's chain and recorded context hash",
		Args:  cobra.ExactArgs(2),
		RunE:  runValidate,
	}

	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		gov, err := openGovernance(s)
		if err != nil {
			return err
		}
		res, err := gov.ValidateGovernance(cmd.Context(), args[0], args[1], t)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}
