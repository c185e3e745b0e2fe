//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals stop the router. SIGHUP is included because the router
// is usually a child of an MCP client that hangs up when it exits.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
