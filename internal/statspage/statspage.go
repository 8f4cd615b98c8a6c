// Package statspage implements the embedded stream-interface producer
// described in spec §4.2 ("an internal producer/consumer, e.g. a canned
// stats-page response"): a text/CSV dump of proxy counters served over a
// connection the same way any backend response would be, driven entirely by
// streamif.EmbeddedOps rather than a socket.
package statspage

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/streamif"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// Source supplies the proxies the page reports on.
type Source func() []*proxy.Proxy

// Page renders a snapshot of every proxy's counters as the canned response
// body, and drives an EmbeddedOps Produce callback one buffer-write at a
// time. compress wraps the rendered body in snappy framing, grounded on
// std/comp.go's CompStream, reusing the teacher's compression library for a
// different transport (spec DOMAIN STACK).
type Page struct {
	Source   Source
	Compress bool
}

// NewOps builds the EmbeddedOps that serve one rendering of the page; a
// fresh Page (or a fresh call to NewOps) is needed per connection since the
// body is generated once and streamed out incrementally.
func (p *Page) NewOps() *streamif.EmbeddedOps {
	body := p.render()
	sent := false
	return &streamif.EmbeddedOps{
		Produce: func(si *streamif.SI) {
			if sent {
				si.OB.Flags |= xbuffer.SHUTW
				return
			}
			sent = true
			si.OB.Write(body)
			si.OB.Forward(xbuffer.Infinite)
		},
	}
}

func (p *Page) render() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# snapshot-time,%d\n", time.Now().Unix())
	fmt.Fprintf(&buf, "proxy,mode,servers,cur_conns,total_conns,failed_req,failed_conns,denied_req,retries,redispatch\n")

	var proxies []*proxy.Proxy
	if p.Source != nil {
		proxies = p.Source()
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Name < proxies[j].Name })

	for _, px := range proxies {
		fmt.Fprintf(&buf, "%s,%s,%d,%d,%d,%d,%d,%d,%d,%d\n",
			px.Name, modeString(px.Mode), len(px.Servers),
			px.Counters.CurConns, px.Counters.TotalConns,
			px.Counters.FailedReq, px.Counters.FailedConns,
			px.Counters.DeniedReq, px.Counters.Retries, px.Counters.Redispatch)
		for _, srv := range px.Servers {
			status := "UP"
			if !srv.IsUp() {
				status = "DOWN"
			}
			fmt.Fprintf(&buf, "  %s,%s,cur_sess=%d,served=%d,queue=%d\n",
				srv.Name, status, srv.CurSess(), srv.Served(), srv.QueueLen())
		}
	}

	if !p.Compress {
		return buf.Bytes()
	}
	return compress(buf.Bytes())
}

func compress(raw []byte) []byte {
	var out bytes.Buffer
	w := snappy.NewBufferedWriter(&out)
	io.Copy(w, bytes.NewReader(raw))
	w.Flush()
	return out.Bytes()
}

func modeString(m proxy.Mode) string {
	switch m {
	case proxy.ModeTCP:
		return "tcp"
	case proxy.ModeHTTP:
		return "http"
	case proxy.ModeHealth:
		return "health"
	default:
		return "?"
	}
}
