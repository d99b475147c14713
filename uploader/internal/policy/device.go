package policy

// DeviceState is a read-only view of the host's current conditions.
type DeviceState interface {
	Network() NetworkType
	Charging() bool
	Idle() bool
}

// StaticDevice is a DeviceState with fixed answers.
type StaticDevice struct {
	NetworkType NetworkType
	IsCharging  bool
	IsIdle      bool
}

func (d StaticDevice) Network() NetworkType { return d.NetworkType }
func (d StaticDevice) Charging() bool       { return d.IsCharging }
func (d StaticDevice) Idle() bool           { return d.IsIdle }

// AlwaysReady satisfies every policy.
var AlwaysReady DeviceState = StaticDevice{NetworkType: NetworkUnmetered, IsCharging: true, IsIdle: true}

// Satisfied reports whether the device currently meets p's constraints.
func Satisfied(p UploadPolicy, s DeviceState) bool {
	if s == nil {
		return true
	}
	switch s.Network() {
	case NetworkNone, "":
		return false
	case NetworkAny:
		if p.Network == NetworkUnmetered {
			return false
		}
	}
	if p.RequiresCharging && !s.Charging() {
		return false
	}
	if p.RequiresIdle && !s.Idle() {
		return false
	}
	return true
}
