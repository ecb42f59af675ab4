package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect sessions",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register a new session",
		RunE:  runSessionCreate,
	}
	create.Flags().String("scope-mode", model.ScopeProject, "Scope mode: project or global")
	create.Flags().String("flags", "", "JSON object of session flags")

	get := &cobra.Command{
		Use:   "get [session-id]",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionGet,
	}

	update := &cobra.Command{
		Use:   "update [session-id]",
		Short: "Set a session's last phase or context hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionUpdate,
	}
	update.Flags().String("phase", "", "Last phase")
	update.Flags().String("context-hash", "", "Last context hash")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE:  runSessionList,
	}
	list.Flags().IntP("limit", "l", 20, "Max results")

	cmd.AddCommand(create, get, update, list)
	RootCmd.AddCommand(cmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("scope-mode")
	flagsRaw, _ := cmd.Flags().GetString("flags")

	flags, err := parseJSONObject("flags", flagsRaw)
	if err != nil {
		return err
	}
	t, err := now()
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		sess, err := session.NewRegistry(s, logger).Create(cmd.Context(), session.CreateParams{
			ScopeMode: mode,
			Flags:     flags,
		}, t)
		if err != nil {
			return err
		}
		printJSON(sess)
		return nil
	})
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.Store) error {
		sess, err := session.NewRegistry(s, logger).Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return model.Invalid(model.CodeSessionNotFound, "session %s not found", args[0])
		}
		printJSON(sess)
		return nil
	})
}

func runSessionUpdate(cmd *cobra.Command, args []string) error {
	var p session.UpdateParams
	if cmd.Flags().Changed("phase") {
		phase, _ := cmd.Flags().GetString("phase")
		p.LastPhase = &phase
	}
	if cmd.Flags().Changed("context-hash") {
		hash, _ := cmd.Flags().GetString("context-hash")
		p.LastContextHash = &hash
	}

	return withStore(func(s *store.Store) error {
		sess, err := session.NewRegistry(s, logger).Update(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		printJSON(sess)
		return nil
	})
}

func runSessionList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withStore(func(s *store.Store) error {
		sessions, err := session.NewRegistry(s, logger).List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []model.Session{}
		}
		printJSON(sessions)
		return nil
	})
}
