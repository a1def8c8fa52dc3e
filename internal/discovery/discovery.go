// Package discovery advertises the monplace server on the local network and
// lets agents find it without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_monplace._tcp"
	Domain      = "local."
)

var ErrNotFound = errors.New("discovery: no monplace server found")

// Advertise registers the server on mDNS. The returned function withdraws it.
func Advertise(port int, logger zerolog.Logger) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("monplace-%s", host),
		ServiceType,
		Domain,
		port,
		[]string{"txtv=0", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	logger.Info().Str("service", ServiceType).Int("port", port).Msg("mDNS service registered")
	return server.Shutdown, nil
}

// Browse looks for a server for up to wait and returns the base URL of the
// first one found.
func Browse(ctx context.Context, wait time.Duration, logger zerolog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			url, ok := EntryURL(entry)
			if !ok {
				continue
			}
			logger.Info().Str("instance", entry.Instance).Str("url", url).Msg("mDNS discovered server")
			select {
			case found <- url:
				cancel()
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("browse mDNS services: %w", err)
	}
	<-ctx.Done()
	select {
	case url := <-found:
		return url, nil
	default:
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return "", err
	}
	return "", ErrNotFound
}

// EntryURL builds the HTTP base URL of a browse result.
func EntryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
