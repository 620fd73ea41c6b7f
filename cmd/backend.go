package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/dispconf/internal/backend/builtin"
	"github.com/bnema/dispconf/internal/config"
	"github.com/bnema/dispconf/internal/ipc"
	"github.com/bnema/dispconf/internal/logger"
	"github.com/bnema/dispconf/internal/manager"
	"github.com/bnema/dispconf/internal/ui"
)

var serveSocket string

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Manage the backend host process",
}

var backendServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host backends for another dispconf process",
	Long: `Listen on a Unix socket and run backends on behalf of a dispconf
process using the out-of-process method. This is started automatically;
running it by hand is only useful for debugging.`,
	Args: cobra.NoArgs,
	RunE: runBackendServe,
}

var backendStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a backend host is running",
	Args:  cobra.NoArgs,
	RunE:  runBackendStatus,
}

var backendStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the backend host to quit",
	Args:  cobra.NoArgs,
	RunE:  runBackendStop,
}

func init() {
	backendCmd.PersistentFlags().StringVar(&serveSocket, "socket", "", "Host socket path (default from settings)")
	backendCmd.AddCommand(backendServeCmd, backendStatusCmd, backendStopCmd)
	rootCmd.AddCommand(backendCmd)
}

func hostSocket() (string, error) {
	if serveSocket != "" {
		return serveSocket, nil
	}
	return config.Get().Backend.ResolvedSocketPath()
}

func runBackendServe(cmd *cobra.Command, args []string) error {
	socketPath, err := hostSocket()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Backend host listening", "socket", socketPath, "pid", os.Getpid())
	return manager.Serve(ctx, builtin.Registry(), socketPath)
}

func dialHost(ctx context.Context) (*ipc.Client, error) {
	socketPath, err := hostSocket()
	if err != nil {
		return nil, err
	}
	timeout := config.Get().Supervisor.RequestTimeout
	return ipc.Dial(ctx, socketPath, timeout)
}

func runBackendStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	client, err := dialHost(cmd.Context())
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(out, ui.FormatOutputState(true, false)+" backend host is not running")
		return nil
	}
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Call(cmd.Context(), ipc.MethodPing, nil)
	if err != nil {
		return fmt.Errorf("backend host did not answer: %w", err)
	}
	name, _ := result["backend"].(string)
	if name == "" {
		name = "no backend loaded"
	}
	fmt.Fprintln(out, ui.FormatOutputState(true, true)+" backend host running: "+name)
	return nil
}

func runBackendStop(cmd *cobra.Command, args []string) error {
	client, err := dialHost(cmd.Context())
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), ui.WarningStyle.Render("backend host is not running"))
		return nil
	}
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Call(cmd.Context(), ipc.MethodQuit, nil); err != nil && !errors.Is(err, ipc.ErrDisconnected) {
		return fmt.Errorf("failed to stop backend host: %w", err)
	}

	// The host removes its socket on the way out
	socketPath, _ := hostSocket()
	deadline := time.Now().Add(config.Get().Supervisor.ShutdownTimeout)
	for ipc.SocketExists(socketPath) && time.Now().Before(deadline) {
		time.Sleep(config.Get().Supervisor.PollInterval)
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessStyle.Render("✓")+" backend host stopped")
	return nil
}
