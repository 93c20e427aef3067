//go:build linux

package driver

import (
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

var (
	hasNvidiaGPUOnce  sync.Once
	hasNvidiaGPUCache bool
)

// HasNvidiaGPU tries to guess if there is an actual Nvidia GPU installed.
// It does that by checking for the presence of the device files in /dev/nvidia*, and falls back to
// running nvidia-smi.
func HasNvidiaGPU() bool {
	hasNvidiaGPUOnce.Do(func() {
		hasNvidiaGPUCache = detectNvidiaGPU()
	})
	return hasNvidiaGPUCache
}

func detectNvidiaGPU() bool {
	matches, err := filepath.Glob("/dev/nvidia*")
	if err != nil {
		klog.Errorf("Failed to figure out if there is an Nvidia GPU installed while searching for files matching \"/dev/nvidia*\": %v", err)
	}
	if len(matches) > 0 {
		return true
	}
	klog.V(1).Infof("No NVidia devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")

	if _, lookErr := exec.LookPath("nvidia-smi"); lookErr != nil {
		return false
	}
	output, cmdErr := exec.Command("nvidia-smi").CombinedOutput()
	return cmdErr == nil && strings.Contains(string(output), "NVIDIA-SMI")
}
