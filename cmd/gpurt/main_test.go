package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gpurt/config"
	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/simdriver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gpu.SetFatalHandler(gpu.PanicOnFatal)
	os.Exit(m.Run())
}

func simConfig(numDevices int) config.Config {
	cfg := config.Default()
	cfg.DriverOptions = map[string]any{"num_devices": numDevices}
	return cfg
}

func writeConfig(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSelftest(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSelftest(&out, simConfig(3), must.M1(sampleImage()), true))
	for _, c := range checks {
		require.Regexp(t, c.name+` +ok`, out.String())
	}
	require.Contains(t, out.String(), "0 B still live")

	// Without the kernels: the launch check is skipped, and everything else passes with a single device.
	out.Reset()
	require.NoError(t, runSelftest(&out, simConfig(1), must.M1(sampleImage()), false))
	require.Regexp(t, `kernel launch +skipped`, out.String())
}

func TestSelftestFailures(t *testing.T) {
	// An image without the sample kernels: the launch fails, and the failure is reported.
	image := must.M1(simdriver.BuildImage(nil, map[string]int{gpu.NodeIDSymbol: 4}))
	var out bytes.Buffer
	err := runSelftest(&out, simConfig(2), image, true)
	require.ErrorContains(t, err, "1 of 7 checks failed")
	require.Regexp(t, `kernel launch +FAILED: .*driver error`, out.String())
	require.Regexp(t, `communication bridge +ok`, out.String())

	// A driver failing initialization fails before any check.
	cfg := simConfig(2)
	cfg.DriverOptions["fail_init"] = true
	err = runSelftest(&out, cfg, must.M1(sampleImage()), true)
	var fatalErr *gpu.FatalError
	require.ErrorAs(t, err, &fatalErr)
	require.Equal(t, gpu.FatalDriver, fatalErr.Kind)
}

func TestSetup(t *testing.T) {
	path := writeConfig(t, "gpurt.yaml", "driver: sim\nnum_gpus_per_locale: 1\nnode_id: 3\n")
	flags := &globalFlags{configPath: path}
	cfg, image, err := flags.setup()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.NumGPUsPerLocale)
	require.Equal(t, 3, cfg.NodeID)
	require.NotEmpty(t, image)

	// Other drivers need an image.
	flags.configPath = writeConfig(t, "gpurt.toml", "driver = \"cuda\"\n")
	_, _, err = flags.setup()
	require.ErrorContains(t, err, "requires a module image")

	imagePath := filepath.Join(t.TempDir(), "module.bin")
	require.NoError(t, os.WriteFile(imagePath, must.M1(sampleImage()), 0o644))
	flags.imagePath = imagePath
	_, image, err = flags.setup()
	require.NoError(t, err)
	require.NotEmpty(t, image)

	flags.imagePath = filepath.Join(t.TempDir(), "missing.bin")
	_, _, err = flags.setup()
	require.ErrorContains(t, err, "reading module image")
}

func TestInfo(t *testing.T) {
	rt := must.M1(newRuntime(simConfig(2), must.M1(sampleImage()), 5, nil))
	var out bytes.Buffer
	writeInfo(&out, rt)
	require.Contains(t, out.String(), "node 5")
	require.Contains(t, out.String(), "device #1: clock rate 1.41 GHz")
	require.Contains(t, out.String(), "#0: - Y")

	// Through the command line.
	path := writeConfig(t, "gpurt.json", `{"driver": "sim", "driver_options": {"num_devices": 2}}`)
	root := newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"info", "--config", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "2 device(s)")
}

func TestRouter(t *testing.T) {
	rt := must.M1(newRuntime(simConfig(2), must.M1(sampleImage()), 3, nil))
	srv := httptest.NewServer(newRouter(rt))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp := must.M1(http.Get(srv.URL + path))
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode, string(must.M1(io.ReadAll(resp.Body)))
	}

	status, body := get("/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok\n", body)

	status, body = get("/devices")
	require.Equal(t, http.StatusOK, status)
	var devices devicesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &devices))
	require.Equal(t, int32(3), devices.NodeID)
	require.Equal(t, simdriver.Name, devices.Driver)
	require.Len(t, devices.Devices, 2)
	require.Equal(t, []int{1}, devices.Devices[0].Peers)
	require.Equal(t, simdriver.DefaultClockRateKHz, devices.Devices[1].ClockRateKHz)

	rt.Memset(rt.ArrayAlloc(gpu.WithSubloc(t.Context(), 1), 16, 0), 0, 16)
	status, body = get("/metrics")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "memset_total 1")
	require.Contains(t, body, "alloc_total 1")

	status, _ = get("/missing")
	require.Equal(t, http.StatusNotFound, status)
}
