package nas

import "time"

// Recorder receives operational measurements from the core.
type Recorder interface {
	SnapshotCreated(d time.Duration)
	SnapshotFailed(reason string)
	MountWait(d time.Duration, ok bool)
	PermissionDecision(c Capability, allowed bool)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) SnapshotCreated(time.Duration)       {}
func (NopRecorder) SnapshotFailed(string)               {}
func (NopRecorder) MountWait(time.Duration, bool)       {}
func (NopRecorder) PermissionDecision(Capability, bool) {}
