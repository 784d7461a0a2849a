package platform

import "net/netip"

// AppSelection is the per-application include/exclude set handed to the
// OS tunnel builder at construction time. The engine never matches on
// applications itself; the set is opaque input to tunnel creation, and an
// implementation that cannot express per-app routing ignores it.
type AppSelection struct {
	DefaultMode string
	Included    []string
	Excluded    []string
}

// TUNConfig parameterizes TUN device construction, mirroring the tunnel fd
// requirements of the external interface: an MTU, a gateway address that
// the host resolver configuration is pointed at, an optional IPv6 prefix,
// and the per-application selection.
type TUNConfig struct {
	Name    string
	Address netip.Prefix
	IPv6    *netip.Prefix
	MTU     int
	Gateway netip.Addr
	Apps    AppSelection
}

// Platform aggregates the OS-specific factories the engine depends on,
// populated by the platform-specific constructor (platform/linux is the
// only implementation this build targets).
type Platform struct {
	NewTUNDevice      func(TUNConfig) (TUNDevice, error)
	NewNetworkMonitor func() (NetworkMonitor, error)
}
