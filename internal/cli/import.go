package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import-legacy [file]",
		Short: "Import legacy free-text memories as experiences",
		Long: `Import a JSON array of legacy entries ({ns, content, confidence, tags})
from a file or stdin. Each entry becomes an experience stamped with --now;
confidence maps onto trust. Malformed JSON is repaired where possible.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runImportLegacy,
	}

	RootCmd.AddCommand(cmd)
}

func runImportLegacy(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	entries, err := episodic.ParseLegacy(data)
	if err != nil {
		return err
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		res, err := episodic.New(s, logger).ImportLegacy(cmd.Context(), entries, t)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}
