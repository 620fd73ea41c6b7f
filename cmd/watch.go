package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/session"
	"github.com/bnema/dispconf/internal/ui"
)

var watchPlain bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow display configuration changes",
	Long: `Show the outputs and refresh the view whenever the backend reports a
change. Without a terminal, or with --plain, every change is printed as text.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print changes as text instead of the live view")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	if watchPlain || !isTerminal(os.Stdout) {
		return watchText(ctx, sess, cmd.OutOrStdout())
	}
	return ui.RunWatch(ctx, sess)
}

// watchText prints the config once, then again after every change, until
// ctx is done
func watchText(ctx context.Context, sess *session.Session, out io.Writer) error {
	changed := make(chan *display.Config, 1)
	cancel := sess.Monitor.Subscribe(func(cfg *display.Config) {
		select {
		case changed <- cfg.Clone():
		default:
		}
	})
	defer cancel()

	cfg, err := sess.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read display configuration: %w", err)
	}
	defer sess.Unwatch(cfg)
	fmt.Fprint(out, ui.RenderConfig(cfg, false))

	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-changed:
			fmt.Fprint(out, "\n"+ui.RenderConfig(next, false))
		}
	}
}
