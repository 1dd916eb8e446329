// Package dns resolves hostnames with a public-DNS fallback. Some captive
// and corporate resolvers fail on fresh domains; racing a handful of
// well-known public servers keeps the signaling dial working there.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	localTimeout = 1 * time.Second
	raceTimeout  = 2 * time.Second
)

// Public resolvers queried when the system resolver fails.
var publicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"[2620:fe::fe]",          // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

// Lookup resolves a hostname to a single IP address, preferring IPv4. The
// system resolver is tried first; on failure all public resolvers race and
// the first answer wins.
func Lookup(ctx context.Context, host string) (string, error) {
	if ip, err := systemLookup(ctx, host); err == nil {
		return ip, nil
	}
	return raceLookup(ctx, host)
}

func systemLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	var r net.Resolver
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickIP(ips)
}

func raceLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, raceTimeout)
	defer cancel()

	type answer struct {
		ip  string
		err error
	}
	answers := make(chan answer, len(publicDNS))

	for _, server := range publicDNS {
		go func(server string) {
			ip, err := resolverLookup(ctx, host, server)
			answers <- answer{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range publicDNS {
		select {
		case a := <-answers:
			if a.err == nil && a.ip != "" {
				return a.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("resolving %s: public DNS race timed out", host)
		}
	}

	return "", fmt.Errorf("resolving %s: all %d public DNS servers failed", host, failures)
}

// resolverLookup queries one specific DNS server.
func resolverLookup(ctx context.Context, host, server string) (string, error) {
	r := net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickIP(ips)
}

func pickIP(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no addresses returned")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
