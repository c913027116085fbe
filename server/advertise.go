package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/mdns"
)

// Advertiser announces a gateway listener on the local network so endpoint
// emulators and field gateways can find the relay without configuration.
type Advertiser struct {
	server  *mdns.Server
	service string
}

// Advertise publishes service (e.g. "_lorarelay-tcp._tcp") for the listener
// at addr. An unspecified host advertises every local address.
func Advertise(instance, service, addr string) (*Advertiser, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: bad port: %w", addr, err)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	zone, err := mdns.NewMDNSService(instance, service, "", "", port, ips, []string{"relay=lorarelay"})
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", service, err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", service, err)
	}
	slog.Info("Advertising relay listener", "service", service, "instance", instance, "port", port)
	return &Advertiser{server: srv, service: service}, nil
}

func (a *Advertiser) Shutdown() error {
	slog.Debug("Stopping mDNS advertisement", "service", a.service)
	return a.server.Shutdown()
}
