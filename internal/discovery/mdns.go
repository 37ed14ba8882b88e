package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
)

const (
	txtScheme = "scheme="
	txtPath   = "path="

	defaultLookupTimeout = 5 * time.Second
)

// Advertiser answers mDNS queries for the hub until shut down.
type Advertiser struct {
	server *mdns.Server
}

// TXT returns the TXT records describing the hub's REST endpoint.
func TXT(scheme, basePath string) []string {
	if scheme == "" {
		scheme = "http"
	}
	return []string{txtScheme + scheme, txtPath + basePath}
}

// Advertise announces instance on port under the configured service and
// domain.
//
// Returns:
//   - *Advertiser: running responder, stop it with Shutdown
//   - error: invalid service parameters or no multicast interface
func Advertise(cfg config.DiscoveryConfig, instance string, port int, txt []string) (*Advertiser, error) {
	svc, err := mdns.NewMDNSService(instance, cfg.Service, cfg.Domain, "", port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("creating mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("starting mdns responder: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries. Safe on a nil Advertiser.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Lookup queries the configured service and returns the REST URL of the first
// hub that answers.
//
// Parameters:
//   - ctx: cancels the lookup
//   - cfg: service name and domain
//   - timeout: how long to wait for answers (0 = 5s)
//
// Returns:
//   - string: service URL, e.g. "http://192.168.1.10:8080/api"
//   - error: ErrNotFound when nobody answers, or the query error
func Lookup(ctx context.Context, cfg config.DiscoveryConfig, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(cfg.Service)
	params.Domain = strings.TrimSuffix(cfg.Domain, ".")
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mdns.QueryContext(queryCtx, params)
		close(entries)
	}()
	// Keep the query from blocking on a full channel after we return.
	defer func() {
		go func() {
			for range entries { //nolint:revive // drain
			}
		}()
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-done; err != nil {
					return "", fmt.Errorf("mdns query: %w", err)
				}
				return "", fmt.Errorf("%w: %s", ErrNotFound, cfg.Service)
			}
			if u, err := ServiceURL(entry); err == nil {
				return u, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ServiceURL builds the REST URL advertised by entry.
func ServiceURL(entry *mdns.ServiceEntry) (string, error) {
	if entry == nil || entry.Port <= 0 {
		return "", ErrInvalidEntry
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return "", fmt.Errorf("%w: %s has no address", ErrInvalidEntry, entry.Name)
	}

	scheme, path := "http", ""
	for _, field := range entry.InfoFields {
		switch {
		case strings.HasPrefix(field, txtScheme):
			scheme = strings.TrimPrefix(field, txtScheme)
		case strings.HasPrefix(field, txtPath):
			path = strings.TrimPrefix(field, txtPath)
		}
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Path:   path,
	}
	return u.String(), nil
}
