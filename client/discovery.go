package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/mbocsi/lorarelay/proto"
)

// DiscoveredService represents a discovered relay gateway listener
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Transport   string // "tcp" or "websocket"
	TXTRecords  []string
}

func (s *DiscoveredService) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// discoverService discovers a specific relay service type using mDNS
func discoverService(serviceType string, timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	go func() {
		defer close(entriesCh)
		params := mdns.DefaultParams(serviceType)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "service", serviceType, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		var transport string
		switch serviceType {
		case proto.ServiceTCP:
			transport = "tcp"
		case proto.ServiceWebSocket:
			transport = "websocket"
		}

		service := &DiscoveredService{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			Transport:   transport,
			TXTRecords:  entry.InfoFields,
		}

		slog.Info("Discovered relay",
			"service_name", service.ServiceName,
			"address", service.Address,
			"port", service.Port,
			"transport", service.Transport,
		)

		return service, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
	}
}

// DiscoverTCPService discovers the first available TCP gateway listener
func DiscoverTCPService(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(proto.ServiceTCP, timeout)
}

// DiscoverWebSocketService discovers the first available WebSocket gateway listener
func DiscoverWebSocketService(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(proto.ServiceWebSocket, timeout)
}
