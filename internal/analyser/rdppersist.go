package analyser

import (
	"net"
	"strconv"

	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/rdpcookie"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// NewRDPCookiePersist returns the BitRDPCookiePersist analyser, grounded on
// original_source's tcp_persist_rdp_cookie: decode the RDP routing cookie
// from the request buffer and, if its packed address/port matches a known
// server, force direct assignment to it (spec §6 SUPPLEMENTED FEATURES).
//
// already reports whether a server has already been assigned (e.g. by an
// earlier sticking rule); per the original, a pre-existing assignment
// short-circuits this analyser entirely.
func NewRDPCookiePersist(cookieName string, servers func() []*proxy.Server, already func() bool, assign func(*proxy.Server)) Func {
	return func(buf *xbuffer.Buffer) bool {
		if already != nil && already() {
			buf.AnalyserMask &^= uint32(BitRDPCookiePersist)
			return true
		}

		req := make([]byte, buf.Len())
		buf.Peek(req)

		res := rdpcookie.Extract(req, cookieName)
		if res.TooShort {
			return false
		}
		buf.AnalyserMask &^= uint32(BitRDPCookiePersist)
		if !res.Found || res.Addr == nil {
			return true
		}
		want := net.JoinHostPort(res.Addr.String(), strconv.Itoa(res.Port))
		for _, srv := range servers() {
			if srv.Addr != nil && srv.Addr.String() == want {
				assign(srv)
				break
			}
		}
		return true
	}
}
