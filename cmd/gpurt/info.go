package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpurt/gpu"
	"github.com/spf13/cobra"
)

func newInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "List the devices, their clock rates and peer access capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, image, err := flags.setup()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg, image, cfg.NodeID, nil)
			if err != nil {
				return err
			}
			if warning := warnHardware(cfg); warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
			}
			writeInfo(cmd.OutOrStdout(), rt)
			return nil
		},
	}
}

// clockRate formats a clock rate given in kHz.
func clockRate(kHz int) string {
	return humanize.SIWithDigits(float64(kHz)*1e3, 2, "Hz")
}

// writeInfo prints the devices of the runtime, and the peer access matrix.
func writeInfo(w io.Writer, rt *gpu.Runtime) {
	fmt.Fprintf(w, "gpurt: node %d, driver %q, strategy %s, %d device(s)\n",
		rt.NodeID(), rt.Driver().Name(), rt.Strategy(), rt.NumDevices())
	for dev := range rt.NumDevices() {
		fmt.Fprintf(w, "  device #%d: clock rate %s\n", dev, clockRate(rt.ClockRate(dev)))
	}
	if rt.NumDevices() < 2 {
		return
	}
	fmt.Fprintln(w, "peer access (row can access column):")
	for dev := range rt.NumDevices() {
		var row strings.Builder
		for peer := range rt.NumDevices() {
			switch {
			case dev == peer:
				row.WriteString(" -")
			case rt.CanAccessPeer(dev, peer):
				row.WriteString(" Y")
			default:
				row.WriteString(" N")
			}
		}
		fmt.Fprintf(w, "  #%d:%s\n", dev, row.String())
	}
}
