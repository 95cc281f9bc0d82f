// clientkey.go -- Derives the rate-limit key for a request.
package auth

import (
	"net"
	"net/http"
	"strings"
)

// ClientKeyExtractor picks the client address used to key rate limits.
//
// By default the direct peer (RemoteAddr) is used. Forwarding headers are
// only consulted when TrustProxy is set and, if TrustedProxies is non-empty,
// the peer is one of them. Hops selects which entry of the comma-separated
// header chain to trust: 0 takes the leftmost (client-reported) address, n
// takes the n-th address from the right, i.e. the one appended by the
// outermost of n trusted proxies.
type ClientKeyExtractor struct {
	TrustProxy     bool
	Header         string
	Hops           int
	TrustedProxies []*net.IPNet
}

// Key returns a stable, non-empty key for the request's client.
func (e ClientKeyExtractor) Key(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !e.TrustProxy || e.Header == "" {
		return peer
	}
	if len(e.TrustedProxies) > 0 && !e.peerTrusted(peer) {
		return peer
	}

	values := r.Header.Values(e.Header)
	if len(values) == 0 {
		return peer
	}
	var chain []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}
	if len(chain) == 0 {
		return peer
	}

	var candidate string
	switch {
	case e.Hops <= 0:
		candidate = chain[0]
	case e.Hops <= len(chain):
		candidate = chain[len(chain)-e.Hops]
	default:
		// Fewer entries than trusted hops: the chain did not pass through
		// all our proxies, so none of it can be trusted.
		return peer
	}

	ip := net.ParseIP(candidate)
	if ip == nil {
		return peer
	}
	return ip.String()
}

func (e ClientKeyExtractor) peerTrusted(peer string) bool {
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, n := range e.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteHost strips the port from RemoteAddr; falls back to the raw value.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if addr == "" {
			return "unknown"
		}
		return addr
	}
	return host
}

// ParseCIDRs parses a list of CIDRs or bare IPs (treated as /32 or /128).
func ParseCIDRs(list []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: s}
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}
