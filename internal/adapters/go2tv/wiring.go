package go2tv

import (
	"context"

	"go2tv.app/cast-router/internal/adapters"
	"go2tv.app/go2tv/v2/devices"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	Discovery adapters.Discovery
	CastConns adapters.CastConnFactory
}

func NewBundle() Bundle {
	return Bundle{
		Discovery: DiscoveryAdapter{},
		CastConns: CastConnFactory{},
	}
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	devices.StartChromecastDiscoveryLoop(ctx)
}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

var _ adapters.Discovery = DiscoveryAdapter{}
