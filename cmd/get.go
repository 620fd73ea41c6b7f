package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/ui"
)

var (
	getJSON bool
	getYAML bool
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current display configuration",
	Long: `Print the screen and outputs reported by the backend.
The --json and --yaml forms can be edited and fed back to "dispconf apply".`,
	Args: cobra.NoArgs,
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Output in JSON format")
	getCmd.Flags().BoolVar(&getYAML, "yaml", false, "Output in YAML format")
	getCmd.MarkFlagsMutuallyExclusive("json", "yaml")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	cfg, err := sess.Manager.Config(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read display configuration: %w", err)
	}

	switch {
	case getJSON:
		return writeJSON(cmd.OutOrStdout(), cfg)
	case getYAML:
		return writeYAML(cmd.OutOrStdout(), cfg)
	default:
		_, err := io.WriteString(cmd.OutOrStdout(), ui.RenderConfig(cfg, isTerminal(os.Stdout)))
		return err
	}
}

func writeJSON(w io.Writer, cfg *display.Config) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(display.ConfigToMap(cfg))
}

func writeYAML(w io.Writer, cfg *display.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(display.ConfigToMap(cfg)); err != nil {
		return err
	}
	return enc.Close()
}
