// Package diagnostics reports whether the host can discover Cast receivers.
package diagnostics

import (
	"net"
	"slices"
)

var (
	listInterfaces = net.Interfaces
	interfaceAddrs = func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
)

type InterfaceStatus struct {
	Name      string   `json:"name"`
	Multicast bool     `json:"multicast"`
	Addrs     []string `json:"addrs,omitempty"`
}

type NetworkReport struct {
	Interfaces []InterfaceStatus `json:"interfaces"`
	// DiscoveryCapable is set when an up, non-loopback interface supports the
	// multicast mDNS discovery needs.
	DiscoveryCapable bool   `json:"discovery_capable"`
	Error            string `json:"error,omitempty"`
}

func DetectNetwork() NetworkReport {
	ifaces, err := listInterfaces()
	if err != nil {
		return NetworkReport{Interfaces: []InterfaceStatus{}, Error: err.Error()}
	}

	report := NetworkReport{Interfaces: []InterfaceStatus{}}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		status := InterfaceStatus{
			Name:      iface.Name,
			Multicast: iface.Flags&net.FlagMulticast != 0,
		}
		if addrs, err := interfaceAddrs(iface); err == nil {
			for _, addr := range addrs {
				status.Addrs = append(status.Addrs, addr.String())
			}
		}
		slices.Sort(status.Addrs)
		if status.Multicast && len(status.Addrs) > 0 {
			report.DiscoveryCapable = true
		}
		report.Interfaces = append(report.Interfaces, status)
	}
	return report
}
