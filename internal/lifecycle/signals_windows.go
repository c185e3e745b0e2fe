//go:build windows

package lifecycle

import "os"

// TerminationSignals stop the router.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
