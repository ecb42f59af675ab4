package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/governance"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint and verify capability tokens",
	}

	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a capability token for a session",
		RunE:  runTokenMint,
	}
	mint.Flags().StringP("session", "s", "", "Session ID (required)")
	mint.Flags().StringSliceP("permissions", "p", nil, "Permissions granted, e.g. memory:read,ledger:* (required)")
	mint.Flags().String("scope", "", "Scope (default: config scope)")
	mint.Flags().String("context-hash", "", "Context hash (default: the session's last)")
	mint.Flags().Duration("ttl", 0, "Lifetime (default: config governance.token_ttl)")
	mint.MarkFlagRequired("session")
	mint.MarkFlagRequired("permissions")

	verify := &cobra.Command{
		Use:   "verify [token-id]",
		Short: "Check a token's signature and validity window",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenVerify,
	}
	verify.Flags().String("permission", "", "Also require this permission")

	cmd.AddCommand(mint, verify)
	RootCmd.AddCommand(cmd)
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	perms, _ := cmd.Flags().GetStringSlice("permissions")
	scopeFlag, _ := cmd.Flags().GetString("scope")
	contextHash, _ := cmd.Flags().GetString("context-hash")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if !cmd.Flags().Changed("ttl") {
		ttl = cfg.GetTokenTTL()
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
		tok, err := gov.MintToken(cmd.Context(), governance.MintTokenParams{
			SessionID:   sessionID,
			Scope:       scope(scopeFlag),
			ContextHash: contextHash,
			Permissions: perms,
			TTL:         ttl,
		}, t)
		if err != nil {
			return err
		}
		printJSON(tok)
		return nil
	})
}

func runTokenVerify(cmd *cobra.Command, args []string) error {
	permission, _ := cmd.Flags().GetString("permission")
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		gov, err := openGovernance(s)
		if err != nil {
			return err
		}
		var v *governance.Verification
		if permission != "" {
			v, err = gov.VerifyTokenPermission(cmd.Context(), args[0], permission, t)
		} else {
			v, err = gov.VerifyToken(cmd.Context(), args[0], t)
		}
		if err != nil {
			return err
		}
		printJSON(v)
		return nil
	})
}
