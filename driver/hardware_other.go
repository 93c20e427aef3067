//go:build !linux

package driver

// HasNvidiaGPU tries to guess if there is an actual Nvidia GPU installed. Only implemented for linux.
func HasNvidiaGPU() bool { return false }
