// Package cli implements the memory-engine CLI commands.
package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/config"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

var (
	dbPath     string
	configPath string
	envFile    string
	nowFlag    string
	verbose    bool

	cfg    *config.Config
	logger = zap.NewNop()
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-engine",
	Short: "Deterministic memory engine for AI agents",
	Long: `Persists episodic observations, consolidates them into semantic cells,
packs bounded context and issues signed receipts and capability tokens tied
to an auditable invocation chain. SQLite-backed, JSON out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Storage.DBPath = dbPath
		}

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(cfg.GetLogLevel())
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zc.OutputPaths = []string{"stderr"}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMORY_ENGINE_DB or ~/.memory-engine/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before config")
	RootCmd.PersistentFlags().StringVar(&nowFlag, "now", "", "Logical time for the operation, RFC 3339 (default: current UTC time)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
}

// Execute runs RootCmd. Validation failures are printed to stdout as
// structured JSON; anything else goes to stderr.
func Execute() int {
	err := RootCmd.Execute()
	if err == nil {
		return 0
	}
	if ve, ok := model.AsValidation(err); ok {
		printJSON(ve)
		return 2
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// now returns the logical time from --now, or the wall clock. This is the
// only place the engine reads the clock.
func now() (time.Time, error) {
	return parseNow(nowFlag, time.Now)
}

func parseNow(s string, clock func() time.Time) (time.Time, error) {
	if s == "" {
		return clock().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --now %q: %w", s, err)
	}
	return t.UTC(), nil
}

// scope returns flag when set, else the configured default scope.
func scope(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Scope
}

// withStore opens the database, runs fn and closes it again.
func withStore(fn func(s *store.Store) error) (err error) {
	s, err := store.Open(cfg.Storage.DBPath, store.Options{LockStaleAfter: cfg.GetLockStaleAfter()}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return fn(s)
}

func loadSecret() (string, error) {
	return canonical.LoadOrCreateSecret(cfg.Governance.SecretPath)
}

// parseJSON decodes a caller-supplied JSON value. Numbers stay exact and
// malformed input is repaired before giving up.
func parseJSON(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := decodeJSON(raw)
	if err == nil {
		return v, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return decodeJSON(repaired)
}

func decodeJSON(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// parseJSONObject is parseJSON restricted to objects. Empty input yields nil.
func parseJSONObject(flag, raw string) (map[string]any, error) {
	v, err := parseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("--%s: expected a JSON object", flag)
	}
	return m, nil
}

// readInput returns the positional args joined, or stdin when it is piped.
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(bytes.TrimSpace(b)), nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode output: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
