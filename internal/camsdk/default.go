//go:build !mvsdk

package camsdk

// New returns the adapter for this build. Builds compiled without the
// vendor SDK (the mvsdk tag) run against the simulator, which keeps the
// coordinator deployable on machines without camera hardware.
func New(deviceCount int) Adapter {
	return NewSim(deviceCount)
}
