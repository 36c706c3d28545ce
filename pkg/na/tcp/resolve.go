package tcp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// resolveHost turns a bare hostname into a dotted IPv4 address using the
// system resolver configuration, the same way a name lookup against a CCI
// URI resolves the host component before dialing. Only IP literals are
// returned unchanged; any other name is sent as an A query to the first
// nameserver in /etc/resolv.conf, or, when resolv.conf cannot be read or
// lists no servers, to net.LookupHost, whose first answer (which may be
// an IPv6 address) is returned.
func resolveHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		// fall back to the platform resolver (e.g. /etc/hosts, mDNS)
		// when resolv.conf can't be read or is empty.
		addrs, lerr := net.LookupHost(host)
		if lerr != nil || len(addrs) == 0 {
			return "", fmt.Errorf("tcp: resolve %q: %v", host, lerr)
		}
		return addrs[0], nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	c := new(dns.Client)
	c.Timeout = 2 * time.Second

	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	resp, _, err := c.Exchange(m, server)
	if err != nil {
		return "", fmt.Errorf("tcp: resolve %q via %s: %w", host, server, err)
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("tcp: resolve %q: no A record", host)
}

// splitHostPort separates "host:port" without requiring port to already be
// numeric; it exists so AddrLookup can accept names like "compute03:4433".
func splitHostPort(name string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(name)
	if err != nil {
		return "", "", fmt.Errorf("tcp: invalid address %q: %w", name, err)
	}
	return strings.TrimSpace(host), port, nil
}
