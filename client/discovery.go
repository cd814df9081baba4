package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// mDNS service types advertised by the relay.
const (
	ServiceWebSocket = "_devrelay-ws._tcp"
	ServiceTCP       = "_devrelay-tcp._tcp"
)

// DiscoveredService represents a discovered relay listener.
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Transport   string // "tcp" or "websocket"
	TXTRecords  []string
}

// URL is the connect URL for the service, ready for Options.URL.
func (d *DiscoveredService) URL() string {
	host := net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
	if d.Transport == "tcp" {
		return "tcp://" + host
	}
	path := "/ws"
	for _, txt := range d.TXTRecords {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	return "ws://" + host + path
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

	// Wait for first result or timeout
	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = entry.AddrV6.String()
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		transport := "websocket"
		if serviceType == ServiceTCP {
			transport = "tcp"
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

// DiscoverTCP discovers the first relay offering the line-delimited TCP listener.
func DiscoverTCP(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(ServiceTCP, timeout)
}

// DiscoverWebSocket discovers the first relay WebSocket endpoint.
func DiscoverWebSocket(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(ServiceWebSocket, timeout)
}
