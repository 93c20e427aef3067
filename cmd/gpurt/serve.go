package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gomlx/gpurt/gpu"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Initialize the runtime and serve its metrics and devices over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, image, err := flags.setup()
			if err != nil {
				return err
			}
			if warning := warnHardware(cfg); warning != "" {
				klog.Warning(warning)
			}
			rt, err := newRuntime(cfg, image, cfg.NodeID, nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, rt)
		},
	}
	defaultAddr := ":9464"
	if v := os.Getenv("GPURT_ADDR"); v != "" {
		defaultAddr = v
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "HTTP listen address")
	return cmd
}

// serve runs the HTTP server until ctx is done, and then shuts it down gracefully.
func serve(ctx context.Context, addr string, rt *gpu.Runtime) error {
	srv := &http.Server{Addr: addr, Handler: newRouter(rt), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("gpurt serving %s on %s", rt, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrapf(err, "serving on %s", addr)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown")
	}
	return nil
}

// deviceInfo is the JSON description of a device served by /devices.
type deviceInfo struct {
	ID           int    `json:"id"`
	ClockRateKHz int    `json:"clock_rate_khz"`
	ClockRate    string `json:"clock_rate"`
	Peers        []int  `json:"peers"`
}

type devicesResponse struct {
	NodeID   int32        `json:"node_id"`
	Driver   string       `json:"driver"`
	Strategy string       `json:"strategy"`
	Devices  []deviceInfo `json:"devices"`
}

func describeDevices(rt *gpu.Runtime) devicesResponse {
	resp := devicesResponse{
		NodeID:   rt.NodeID(),
		Driver:   rt.Driver().Name(),
		Strategy: rt.Strategy().String(),
		Devices:  make([]deviceInfo, rt.NumDevices()),
	}
	for dev := range resp.Devices {
		info := deviceInfo{
			ID:           dev,
			ClockRateKHz: rt.ClockRate(dev),
			ClockRate:    clockRate(rt.ClockRate(dev)),
			Peers:        []int{},
		}
		for peer := range rt.NumDevices() {
			if peer != dev && rt.CanAccessPeer(dev, peer) {
				info.Peers = append(info.Peers, peer)
			}
		}
		resp.Devices[dev] = info
	}
	return resp
}

// newRouter returns the HTTP handler: /healthz, /devices and the Prometheus /metrics of the runtime.
func newRouter(rt *gpu.Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/devices", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(describeDevices(rt)); err != nil {
			klog.Errorf("encoding /devices response: %v", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.Diags().Registry(), promhttp.HandlerOpts{}))
	return r
}
