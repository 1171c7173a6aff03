// Package gpuprobe implements the GPU Telemetry Probe described in spec.md
// §2.2 and §3 (VramSnapshot): a pure, possibly-failing read of
// {total, used, free} bytes for a given GPU index. It is the Go equivalent of
// the original's utils/gpu.py, which used pynvml; here the real NVIDIA NVML
// Go binding (github.com/NVIDIA/go-nvml) plays the same role since no NVML
// binding appears anywhere in the example pack (see DESIGN.md).
package gpuprobe

import "context"

// Snapshot is a moment-in-time VRAM reading (spec.md §3: "VramSnapshot ...
// values are a moment-in-time read; re-read on every planning pass").
type Snapshot struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// Probe reads VRAM usage for a GPU index. Implementations may fail
// transiently (spec.md §2.2: "Pure read; may fail transiently").
type Probe interface {
	VRAM(ctx context.Context, gpuIndex int) (Snapshot, error)
}
