package http

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies decides whether forwarding headers may replace the peer
// address. The zero value trusts nobody, so RemoteAddr is used as is.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var p TrustedProxies
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

func (p TrustedProxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rewrites RemoteAddr to the client address reported by a trusted
// proxy. X-Forwarded-For is read right to left and the first hop that is not
// itself a trusted proxy wins. Requests from any other peer keep their
// RemoteAddr whatever headers they carry.
func (p TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(p.prefixes) > 0 {
			if peer, ok := peerAddr(r.RemoteAddr); ok && p.trusts(peer) {
				if client, ok := p.forwardedClient(r.Header); ok {
					r.RemoteAddr = client.String()
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p TrustedProxies) forwardedClient(h http.Header) (netip.Addr, bool) {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	var leftmost netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A malformed hop means the chain cannot be trusted past here.
			break
		}
		addr = addr.Unmap()
		if !p.trusts(addr) {
			return addr, true
		}
		leftmost = addr
	}
	if leftmost.IsValid() {
		return leftmost, true
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(h.Get("X-Real-IP"))); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

func peerAddr(remote string) (netip.Addr, bool) {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
