package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/logger"
	"github.com/bnema/dispconf/internal/session"
)

var (
	configPath  string
	backendName string
	inProcess   string

	rootCmd = &cobra.Command{
		Use:   "dispconf",
		Short: "dispconf - display configuration tool",
		Long: `dispconf reads and applies the layout of connected displays.
It talks to the display server through a backend (xrandr, wlroots, drm)
that runs either inside dispconf or in a separate host process.`,
		SilenceUsage:      true,
		PersistentPreRunE: initSettings,
	}
)

// Execute runs the root command
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/dispconf/dispconf.toml)")
	rootCmd.PersistentFlags().StringVarP(&backendName, "backend", "b", "", "Backend to load instead of the detected one")
	rootCmd.PersistentFlags().StringVar(&inProcess, "in-process", "", "Run the backend inside this process (true/false)")
	rootCmd.PersistentFlags().Lookup("in-process").NoOptDefVal = "true"
}

// initSettings loads the config file and environment, then applies the
// persistent flags on top
func initSettings(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}

	settings := config.Get()
	if backendName != "" {
		settings.Backend.Name = backendName
	}
	if cmd.Flags().Changed("in-process") {
		settings.Backend.InProcess = inProcess
		if _, _, err := settings.Backend.InProcessOverride(); err != nil {
			return err
		}
	}
	if settings.Logging.LogLevel != "" {
		logger.SetLevel(settings.Logging.LogLevel)
	}
	return nil
}

// openSession returns the process-wide session. Callers close it when done.
var openSession = session.Default

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
