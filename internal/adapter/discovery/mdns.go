// Package discovery advertises the bridge on the local network so a
// companion client can find it without typing an address.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_pagepilot._tcp"
	Domain      = "local."

	defaultScanTimeout = 3 * time.Second
)

// Bridge is one advertised bridge endpoint.
type Bridge struct {
	Instance string
	Address  string // host:port
	Path     string
	Version  string
}

// URL returns the ws:// URL of the bridge.
func (b Bridge) URL() string {
	return "ws://" + b.Address + b.Path
}

// Advertiser registers and browses bridge services over mDNS.
type Advertiser struct {
	logger      *slog.Logger
	scanTimeout time.Duration
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(logger *slog.Logger) *Advertiser {
	return &Advertiser{logger: logger, scanTimeout: defaultScanTimeout}
}

// TXT builds the TXT records published for a bridge at path.
func TXT(path string) []string {
	return []string{"path=" + path, "v=1"}
}

// Advertise registers the bridge and blocks until ctx is cancelled.
func (a *Advertiser) Advertise(ctx context.Context, instance string, port int, path string) error {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, TXT(path), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.logger.Info("mdns advertising", "instance", instance, "port", port, "path", path)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for bridges until the scan timeout elapses.
func (a *Advertiser) Scan(ctx context.Context) ([]Bridge, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu      sync.Mutex
		bridges []Bridge
		wg      sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, a.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b, ok := entryToBridge(entry)
			if !ok {
				continue
			}
			mu.Lock()
			bridges = append(bridges, b)
			mu.Unlock()
			a.logger.Debug("mdns found bridge", "instance", b.Instance, "address", b.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-scanCtx.Done()
	wg.Wait()

	sort.Slice(bridges, func(i, j int) bool { return bridges[i].Instance < bridges[j].Instance })
	return bridges, nil
}

func entryToBridge(entry *zeroconf.ServiceEntry) (Bridge, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = "[" + entry.AddrIPv6[0].String() + "]"
	default:
		return Bridge{}, false
	}
	txt := ParseTXT(entry.Text)
	path := txt["path"]
	if path == "" {
		path = "/"
	}
	return Bridge{
		Instance: entry.Instance,
		Address:  host + ":" + strconv.Itoa(entry.Port),
		Path:     path,
		Version:  txt["v"],
	}, true
}

// ParseTXT turns key=value TXT records into a map. Records without '=' are
// ignored.
func ParseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
