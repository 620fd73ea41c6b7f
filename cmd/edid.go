package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bnema/dispconf/internal/display"
)

var edidRaw bool

var edidCmd = &cobra.Command{
	Use:   "edid OUTPUT-ID",
	Short: "Show the EDID of an output",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdid,
}

func init() {
	edidCmd.Flags().BoolVar(&edidRaw, "raw", false, "Dump the raw EDID as hex")
	rootCmd.AddCommand(edidCmd)
}

func runEdid(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid output id %q", args[0])
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	raw, err := sess.Manager.Edid(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to read EDID of output %d: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if edidRaw {
		fmt.Fprint(out, hex.Dump(raw))
		return nil
	}
	fmt.Fprint(out, formatEdid(display.NewEdid(raw)))
	return nil
}

func formatEdid(e *display.Edid) string {
	if !e.IsValid() {
		return fmt.Sprintf("invalid EDID (%d bytes)\n", len(e.Raw()))
	}
	return fmt.Sprintf("vendor:  %s\nproduct: 0x%04x\nserial:  %d\n", e.Vendor(), e.ProductCode(), e.Serial())
}
