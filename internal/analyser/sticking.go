package analyser

import (
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// StickEntry describes one sticking-table lookup/update performed while the
// analyser runs: Key samples the value to look up (e.g. a source address);
// Apply is invoked with the server found (spec GLOSSARY "sticking rule
// creates a mapping from a sampled key to a server").
type StickEntry struct {
	Table *proxy.StickTable
	Key   func() (string, bool)
	Apply func(srv *proxy.Server)
}

// NewSticking returns the BitStickingRules analyser. It consults each table
// in order and applies the server bound to the first key that resolves;
// absent a hit, the bit simply clears and normal load-balancing (owned
// outside this package, per spec §1) proceeds.
func NewSticking(entries []StickEntry) Func {
	return func(buf *xbuffer.Buffer) bool {
		for _, e := range entries {
			key, ok := e.Key()
			if !ok {
				continue
			}
			if srv, ok := e.Table.Get(key); ok {
				if e.Apply != nil {
					e.Apply(srv)
				}
				break
			}
		}
		buf.AnalyserMask &^= uint32(BitStickingRules)
		return true
	}
}

// NewPersist records the resolved server against the sticking table once
// the session is assigned, so future connections with the same key persist
// to it.
func NewPersist(table *proxy.StickTable, key func() (string, bool), server func() *proxy.Server) Func {
	return func(buf *xbuffer.Buffer) bool {
		if k, ok := key(); ok {
			if srv := server(); srv != nil {
				table.Set(k, srv)
			}
		}
		return true
	}
}
