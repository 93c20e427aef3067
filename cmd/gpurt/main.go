// gpurt inspects, exercises and serves the diagnostics of the GPU runtime.
//
// Usage:
//
//	gpurt info       # Lists the devices.
//	gpurt selftest   # Runs the runtime operations end to end, and reports the failures.
//	gpurt serve      # Serves /metrics, /devices and /healthz over HTTP.
//
// The configuration is read from the file given with --config (.yaml, .json or .toml), if any, and
// then from the GPURT_* environment variables. Without --image the built-in sample module is used,
// which is only available for the software driver ("sim").
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gpurt/config"
	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/mem"
	"github.com/gomlx/gpurt/simdriver"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// globalFlags are shared by all commands.
type globalFlags struct {
	configPath string
	imagePath  string
}

func main() {
	klog.InitFlags(nil)
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gpurt",
		Short:         "GPU execution and memory runtime tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Configuration file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&flags.imagePath, "image", "", "Module image to load. Defaults to the built-in sample module")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newInfoCmd(flags), newSelftestCmd(flags), newServeCmd(flags))
	return root
}

// setup resolves the configuration and the module image.
func (f *globalFlags) setup() (cfg config.Config, image []byte, err error) {
	cfg, err = config.Resolve(f.configPath)
	if err != nil {
		return
	}
	if cfg.Debug && !klog.V(2).Enabled() {
		if err = flag.CommandLine.Set("v", "2"); err != nil {
			err = errors.Wrap(err, "enabling debug logging")
			return
		}
	}
	if f.imagePath != "" {
		image, err = os.ReadFile(f.imagePath)
		err = errors.Wrapf(err, "reading module image %q", f.imagePath)
		return
	}
	if cfg.Driver != simdriver.Name {
		err = errors.Errorf("driver %q requires a module image, use --image", cfg.Driver)
		return
	}
	image, err = sampleImage()
	return
}

// newRuntime creates a new driver instance and a Runtime over it, for the given node. Driver failures
// are reported to the fatal handler.
func newRuntime(cfg config.Config, image []byte, nodeID int, hooks mem.Hooks) (*gpu.Runtime, error) {
	drv, err := driver.New(cfg.Driver, driver.Options(cfg.DriverOptions))
	if err != nil {
		return nil, err
	}
	registerSampleKernels(drv)
	rtCfg := gpu.FromConfig(cfg, image)
	rtCfg.Driver = drv
	rtCfg.NodeID = int32(nodeID)
	rtCfg.Hooks = hooks
	return gpu.NewRuntime(rtCfg), nil
}

// warnHardware warns when a GPU seems available but the software driver is used.
func warnHardware(cfg config.Config) string {
	if cfg.Driver == simdriver.Name && driver.HasNvidiaGPU() {
		return fmt.Sprintf("an Nvidia GPU seems to be installed, but the software driver %q is in use", cfg.Driver)
	}
	return ""
}
