package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/devices"
)

// Discovery provides LAN hardware discovery primitives.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastMessage is one frame received on a Cast v2 connection.
type CastMessage struct {
	SourceID      string
	DestinationID string
	Namespace     string
	Payload       string
}

// CastConn is a raw Cast v2 channel to one receiver. Payloads are UTF-8 text
// sent verbatim; control namespaces carry JSON, app namespaces may not.
type CastConn interface {
	Connect(ctx context.Context, host string, port int) error
	Send(sourceID, destinationID, namespace string, payload []byte) error
	// Messages is closed when the connection drops.
	Messages() <-chan CastMessage
	Close() error
}

// CastConnFactory creates unconnected CastConn instances.
type CastConnFactory interface {
	NewCastConn() CastConn
}
