package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/backend/builtin"
	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/ui"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available backends",
	Long:  `List the registered backends and mark the one that would be loaded.`,
	Args:  cobra.NoArgs,
	RunE:  runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	registry := builtin.Registry()
	settings := config.Get()
	preferred := registry.Preferred("", settings.Backend.Name, os.Getenv)

	rows := backendRows(registry, preferred)
	t := table.New().
		Headers("", "Name", "Hosting", "Description").
		Rows(rows...)
	if isTerminal(os.Stdout) {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(ui.SubtleStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return ui.HeaderStyle.Padding(0, 1)
				}
				return ui.TableCellStyle
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).BorderHeader(false)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return err
}

func backendRows(registry *backend.Registry, preferred string) [][]string {
	var rows [][]string
	for _, d := range registry.Descriptors() {
		mark := ""
		if d.Name == preferred {
			mark = ui.IndicatorPrimary
		}
		hosting := "in process"
		if d.Isolated {
			hosting = "out of process"
		}
		rows = append(rows, []string{mark, d.Name, hosting, d.Description})
	}
	return rows
}
