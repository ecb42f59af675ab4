package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [summary]",
		Short: "Record an episodic experience",
		Long:  "Record an episodic experience. The summary can be a positional arg or piped via stdin.",
		RunE:  runRemember,
	}

	cmd.Flags().StringP("session", "s", "", "Session the experience belongs to")
	cmd.Flags().String("scope", "", "Scope (default: config scope)")
	cmd.Flags().StringSliceP("keys", "k", nil, "Context keys")
	cmd.Flags().StringP("outcome", "o", model.DefaultOutcome, "Outcome: success, fail, partial, unknown")
	cmd.Flags().IntP("trust", "t", 1, "Trust 0-3")
	cmd.Flags().Int("salience", -1, "Explicit salience 0-1000 (default: derived from trust)")
	cmd.Flags().String("source", model.SourceAgent, "Source: user, system, agent, derived")

	RootCmd.AddCommand(cmd)
}

func runRemember(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	scopeFlag, _ := cmd.Flags().GetString("scope")
	keys, _ := cmd.Flags().GetStringSlice("keys")
	outcome, _ := cmd.Flags().GetString("outcome")
	trust, _ := cmd.Flags().GetInt("trust")
	source, _ := cmd.Flags().GetString("source")

	summary, err := readInput(args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(summary) == "" {
		return model.Invalid(model.CodeMissingRequired, "summary is required (positional arg or stdin)")
	}

	var salience *int
	if cmd.Flags().Changed("salience") {
		v, _ := cmd.Flags().GetInt("salience")
		salience = &v
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		exp, err := episodic.New(s, logger).Record(cmd.Context(), episodic.RecordParams{
			SessionID:   sessionID,
			Scope:       scope(scopeFlag),
			ContextKeys: keys,
			Summary:     summary,
			Outcome:     outcome,
			Trust:       trust,
			Salience:    salience,
			Source:      source,
		}, t)
		if err != nil {
			return err
		}
		printJSON(exp)
		return nil
	})
}
