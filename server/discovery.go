package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/mdns"
)

// mDNS service types. Clients look these up with client.DiscoverWebSocket and
// client.DiscoverTCP.
const (
	ServiceWebSocket = "_devrelay-ws._tcp"
	ServiceTCP       = "_devrelay-tcp._tcp"
)

// advertiser owns the mDNS responders for every listener the relay exposes.
type advertiser struct {
	mu      sync.Mutex
	servers []*mdns.Server
}

// advertise announces addr under service. txt entries are key=value pairs.
func (a *advertiser) advertise(instance, service string, addr net.Addr, txt []string) error {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("mdns: unsupported address %v", addr)
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("mdns: hostname: %w", err)
		}
		instance = host
	}

	var ips []net.IP
	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		ips = []net.IP{tcpAddr.IP}
	}
	svc, err := mdns.NewMDNSService(instance, service, "", "", tcpAddr.Port, ips, txt)
	if err != nil {
		return fmt.Errorf("mdns: service %s: %w", service, err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns: responder %s: %w", service, err)
	}
	a.mu.Lock()
	a.servers = append(a.servers, srv)
	a.mu.Unlock()
	slog.Info("Advertising relay over mDNS", "service", service, "instance", instance, "port", tcpAddr.Port)
	return nil
}

func (a *advertiser) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, srv := range a.servers {
		errs = append(errs, srv.Shutdown())
	}
	a.servers = nil
	return errors.Join(errs...)
}
