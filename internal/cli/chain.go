package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/ledger"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect and verify invocation chains",
	}

	verify := &cobra.Command{
		Use:   "verify [session-id]",
		Short: "Recompute every link of a session's chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runChainVerify,
	}

	list := &cobra.Command{
		Use:   "list [session-id]",
		Short: "List a session's invocations in chain order",
		Args:  cobra.ExactArgs(1),
		RunE:  runChainList,
	}

	cmd.AddCommand(verify, list)
	RootCmd.AddCommand(cmd)
}

func runChainVerify(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		res, err := ledger.New(s, logger).VerifyChain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}

func runChainList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		invs, err := ledger.New(s, logger).List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if invs == nil {
			invs = []model.Invocation{}
		}
		printJSON(invs)
		return nil
	})
}
