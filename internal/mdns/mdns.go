// Package mdns advertises the bridge on the local network so Core devices
// can discover it without being told an address (spec §6 "mDNS
// advertisement"). This is an external collaborator per the bridge's
// scope; the core only consumes Advertise/Stop.
package mdns

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_ha-bridge._tcp"

// Advertiser wraps the registered zeroconf server so it can be torn down
// cleanly on shutdown or reconfiguration of the listen ports.
type Advertiser struct {
	server *zeroconf.Server
}

// ServiceInfo is what gets published: the bridge's instance name and the
// ports its two Core listeners are bound to.
type ServiceInfo struct {
	InstanceName string
	PlainPort    int
	TLSPort      int
}

// Advertise registers the bridge's service record. The returned
// *Advertiser must be Stopped on shutdown.
func Advertise(info ServiceInfo) (*Advertiser, error) {
	txt := []string{fmt.Sprintf("tls_port=%d", info.TLSPort)}
	server, err := zeroconf.Register(info.InstanceName, serviceType, "local.", info.PlainPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the service record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
