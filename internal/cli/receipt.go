package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/governance"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Mint, verify and list signed receipts",
	}

	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign the session's context hash and chain head",
		RunE:  runReceiptMint,
	}
	mint.Flags().StringP("session", "s", "", "Session ID (required)")
	mint.Flags().String("type", governance.DefaultReceiptType, "Receipt type")
	mint.Flags().String("scope", "", "Scope (default: config scope)")
	mint.Flags().String("context-hash", "", "Context hash (default: the session's last)")
	mint.Flags().String("meta", "", "JSON object stored unsigned next to the receipt")
	mint.MarkFlagRequired("session")

	verify := &cobra.Command{
		Use:   "verify [receipt-id]",
		Short: "Recompute a receipt's payload hash and signature",
		Args:  cobra.ExactArgs(1),
		RunE:  runReceiptVerify,
	}

	list := &cobra.Command{
		Use:   "list [session-id]",
		Short: "List a session's receipts",
		Args:  cobra.ExactArgs(1),
		RunE:  runReceiptList,
	}

	cmd.AddCommand(mint, verify, list)
	RootCmd.AddCommand(cmd)
}

func openGovernance(s *store.Store) (*governance.Engine, error) {
	secret, err := loadSecret()
	if err != nil {
		return nil, err
	}
	return governance.New(s, secret, logger), nil
}

func runReceiptMint(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	typ, _ := cmd.Flags().GetString("type")
	scopeFlag, _ := cmd.Flags().GetString("scope")
	contextHash, _ := cmd.Flags().GetString("context-hash")
	metaRaw, _ := cmd.Flags().GetString("meta")

	meta, err := parseJSONObject("meta", metaRaw)
	if err != nil {
		return err
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		gov, err := openGovernance(s)
		if err != nil {
			return err
		}
		rec, err := gov.MintReceipt(cmd.Context(), governance.MintReceiptParams{
			SessionID:   sessionID,
			Type:        typ,
			Scope:       scope(scopeFlag),
			ContextHash: contextHash,
			PublicMeta:  meta,
		}, t)
		if err != nil {
			return err
		}
		printJSON(rec)
		return nil
	})
}

func runReceiptVerify(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		gov, err := openGovernance(s)
		if err != nil {
			return err
		}
		v, err := gov.VerifyReceipt(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(v)
		return nil
	})
}

func runReceiptList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		gov, err := openGovernance(s)
		if err != nil {
			return err
		}
		recs, err := gov.ListReceipts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []model.Receipt{}
		}
		printJSON(recs)
		return nil
	})
}
