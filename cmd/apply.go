package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

var (
	applyDryRun         bool
	applyRequireEnabled bool
	applyConfirm        bool
	applyRevertAfter    time.Duration
)

// confirmKeep asks whether to keep the new layout. No answer before the
// deadline counts as no.
var confirmKeep = func(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	keep := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Keep this display configuration?").
				Description(fmt.Sprintf("The previous layout comes back in %s.", timeout)).
				Affirmative("Keep").
				Negative("Revert").
				Value(&keep),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return keep, nil
}

var applyCmd = &cobra.Command{
	Use:   "apply FILE",
	Short: "Validate and apply a display configuration",
	Long: `Read a configuration in the format printed by "dispconf get --json"
or "--yaml" and apply it. Use "-" to read from stdin. Output positions are
shifted so the layout starts at the origin before the backend sees them.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Only validate the configuration")
	applyCmd.Flags().BoolVar(&applyRequireEnabled, "require-enabled", false, "Reject configurations with every output disabled")
	applyCmd.Flags().BoolVar(&applyConfirm, "confirm", false, "Ask to keep the new layout and revert otherwise")
	applyCmd.Flags().DurationVar(&applyRevertAfter, "revert-after", 15*time.Second, "How long --confirm waits for an answer")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := readConfigFile(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := cmd.Context()
	live, err := sess.Manager.Config(ctx)
	if err != nil {
		return fmt.Errorf("failed to read display configuration: %w", err)
	}

	flags := display.ValidityNone
	if applyRequireEnabled {
		flags |= display.RequireAtLeastOneEnabledOutput
	}
	if err := display.Validate(live, cfg, flags); err != nil {
		return fmt.Errorf("configuration cannot be applied: %w", err)
	}
	if applyDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	}

	if err := sess.Manager.SetConfig(ctx, cfg); err != nil {
		return err
	}
	logger.Info("Configuration applied", "backend", sess.Manager.BackendName(), "outputs", len(cfg.Outputs()))
	if !applyConfirm {
		return nil
	}

	keep, err := confirmKeep(ctx, applyRevertAfter)
	if err != nil {
		logger.Debug("Confirmation ended without an answer", "error", err)
	}
	if keep {
		return nil
	}
	if err := sess.Manager.SetConfig(ctx, live); err != nil {
		return fmt.Errorf("failed to restore the previous configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "previous configuration restored")
	return nil
}

// readConfigFile decodes a JSON or YAML config. Files ending in .json are
// read as JSON, everything else as YAML (which also accepts JSON).
func readConfigFile(path string, stdin io.Reader) (*display.Config, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg, err := display.ConfigFromMap(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}
