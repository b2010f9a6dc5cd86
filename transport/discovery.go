package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kacper-marzecki/tibidi/logger"
)

// mDNS service identity for LAN broker discovery.
const (
	mdnsService = "_tibidi-broker._tcp"
	mdnsDomain  = "local."
)

// AdvertiseBroker announces a broker on the local network over mDNS, so
// nodes on the same LAN can find it without configuration. Returns a
// shutdown function.
func AdvertiseBroker(port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("tibidi-broker-%s", host),
		mdnsService,
		mdnsDomain,
		port,
		nil,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Infof("broker advertised via mDNS as %s on port %d", mdnsService, port)
	return server.Shutdown, nil
}

// DiscoverBroker browses the LAN for an advertised broker and returns its
// ws:// URL. It gives up after the timeout.
func DiscoverBroker(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port):
			default:
			}
			cancel()
		}
	}()

	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()

	select {
	case url := <-found:
		logger.Infof("discovered broker at %s", url)
		return url, nil
	default:
		return "", fmt.Errorf("no broker found on the local network")
	}
}
