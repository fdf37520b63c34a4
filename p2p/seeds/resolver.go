// Package seeds resolves bootstrap peer addresses from DNS TXT records so a
// deployment can rotate its seed set without shipping new binaries. Records
// take the form "visionseed:v1:<host:port>" under a configured lookup name.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	recordPrefix        = "visionseed:v1:"
	defaultLookupPrefix = "_visionseed."
	defaultQueryTimeout = 5 * time.Second
)

var ErrNoRecords = errors.New("seeds: no seed records found")

// Resolver looks up seed endpoints published under a DNS zone.
type Resolver struct {
	// Server is the DNS server to query, host:port. Empty uses the system
	// resolver configuration's first nameserver on port 53.
	Server string
	// Timeout bounds a single query round-trip.
	Timeout time.Duration
}

// Lookup queries the TXT records for the given domain and returns every
// well-formed seed endpoint they carry.
func (r *Resolver) Lookup(ctx context.Context, domain string) ([]string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, errors.New("seeds: empty lookup domain")
	}
	name := dns.Fqdn(defaultLookupPrefix + domain)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	server := strings.TrimSpace(r.Server)
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("seeds: no DNS server configured: %w", err)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: timeout}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s: %w", name, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: query %s: rcode %d", name, reply.Rcode)
	}

	var out []string
	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, chunk := range txt.Txt {
			addr, ok := parseRecord(chunk)
			if !ok {
				continue
			}
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	return out, nil
}

func parseRecord(record string) (string, bool) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return "", false
	}
	addr := strings.TrimSpace(strings.TrimPrefix(trimmed, recordPrefix))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", false
	}
	return addr, true
}
