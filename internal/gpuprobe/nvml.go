package gpuprobe

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLProbe reads VRAM usage via the NVIDIA Management Library, matching the
// original's pynvml.nvmlInit/nvmlDeviceGetMemoryInfo/nvmlShutdown sequence in
// utils/gpu.py's get_vram_usage, but initializing NVML once, on the first
// VRAM call, rather than on every call: repeated Init/Shutdown cycles are
// expensive and unnecessary since the probe owns the library handle until
// Close.
type NVMLProbe struct {
	mu   sync.Mutex
	init bool
}

// NewNVMLProbe constructs a Probe backed by NVML. Init is deferred to the
// first VRAM call so that constructing a dispatcher in an environment without
// a GPU driver doesn't fail at wiring time; it only fails when actually
// probed.
func NewNVMLProbe() *NVMLProbe {
	return &NVMLProbe{}
}

func (p *NVMLProbe) ensureInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.init {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %v", nvml.ErrorString(ret))
	}
	p.init = true
	return nil
}

// VRAM returns the current {total, used, free} bytes for gpuIndex.
func (p *NVMLProbe) VRAM(_ context.Context, gpuIndex int) (Snapshot, error) {
	if err := p.ensureInit(); err != nil {
		return Snapshot{}, err
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("nvml device count: %v", nvml.ErrorString(ret))
	}
	if gpuIndex < 0 || gpuIndex >= count {
		return Snapshot{}, fmt.Errorf("invalid gpu index: %d", gpuIndex)
	}
	device, ret := nvml.DeviceGetHandleByIndex(gpuIndex)
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("nvml device handle: %v", nvml.ErrorString(ret))
	}
	mem, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("nvml memory info: %v", nvml.ErrorString(ret))
	}
	return Snapshot{TotalBytes: mem.Total, UsedBytes: mem.Used, FreeBytes: mem.Free}, nil
}

// Close shuts down the NVML library handle. Safe to call even if VRAM was
// never successfully called.
func (p *NVMLProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.init {
		return nil
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %v", nvml.ErrorString(ret))
	}
	p.init = false
	return nil
}
