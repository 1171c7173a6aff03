package gpuprobe

import "context"

var _ Probe = (*Fake)(nil)

// Fake is a scripted Probe for tests.
type Fake struct {
	Snapshot Snapshot
	Err      error
}

// VRAM returns the scripted snapshot/error regardless of gpuIndex.
func (f *Fake) VRAM(context.Context, int) (Snapshot, error) {
	if f.Err != nil {
		return Snapshot{}, f.Err
	}
	return f.Snapshot, nil
}
