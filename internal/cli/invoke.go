package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/ledger"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "invoke [tool-name]",
		Short: "Append a tool invocation to a session's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvoke,
	}

	cmd.Flags().StringP("session", "s", "", "Session ID (required)")
	cmd.Flags().String("input", "", "Tool input as JSON")
	cmd.Flags().String("output", "", "Tool output as JSON")
	cmd.Flags().String("meta", "", "JSON object of metadata")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	inputRaw, _ := cmd.Flags().GetString("input")
	outputRaw, _ := cmd.Flags().GetString("output")
	metaRaw, _ := cmd.Flags().GetString("meta")

	input, err := parseJSON(inputRaw)
	if err != nil {
		return err
	}
	output, err := parseJSON(outputRaw)
	if err != nil {
		return err
	}
	meta, err := parseJSONObject("meta", metaRaw)
	if err != nil {
		return err
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		res, err := ledger.New(s, logger).Record(cmd.Context(), ledger.RecordParams{
			SessionID: sessionID,
			ToolName:  args[0],
			Input:     input,
			Output:    output,
			Meta:      meta,
		}, t)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}
