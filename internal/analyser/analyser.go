// Package analyser implements the analyser chain of spec §4.5: a 32-bit
// ordinal bitmask on each buffer, invoked lowest-bit-first until the pass
// stalls or completes, with support for an analyser reopening a
// lower-numbered bit to force an immediate restart there.
package analyser

import (
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// Bit is one analyser's fixed ordinal position (spec §4.5: "decode
// proxy-line → TCP inspect → wait HTTP → HTTP process FE → switching rules →
// HTTP process BE → tarpit → HTTP inner → HTTP body → RDP cookie
// persistence → sticking rules → HTTP body transfer").
type Bit uint32

const (
	BitDecodeProxyLine Bit = 1 << iota
	BitTCPInspect
	BitWaitHTTP
	BitHTTPProcessFE
	BitSwitchingRules
	BitHTTPProcessBE
	BitTarpit
	BitHTTPInner
	BitHTTPBody
	BitRDPCookiePersist
	BitStickingRules
	BitHTTPBodyTransfer
)

// Func is one analyser. It returns true to let the pass continue (the
// analyser is done, or has nothing more to contribute this pass) and false
// to suspend the whole pass (not enough data, or the request was aborted).
// An analyser is responsible for clearing its own bit from buf.AnalyserMask
// when it no longer needs to run, and may set other bits (spec §4.5
// "newly appeared bit below the current bit forces an immediate restart").
type Func func(buf *xbuffer.Buffer) bool

// Chain is the ordered analyser table, indexed by Bit so a caller can look
// up which Func backs a given ordinal.
type Chain struct {
	funcs map[Bit]Func
}

// NewChain builds an empty chain; register analysers with Register.
func NewChain() *Chain {
	return &Chain{funcs: map[Bit]Func{}}
}

// Register associates an analyser implementation with its ordinal bit.
func (c *Chain) Register(bit Bit, fn Func) {
	c.funcs[bit] = fn
}

// maxPollEvents bounds a single RunPass the way the FSM bounds its own
// request/response analyser loops (spec §4.3 Phase D/E, §4.5).
const maxPollEvents = 64

// RunPass drives the chain over buf's current AnalyserMask: find the
// lowest set bit, invoke its Func, and either stop (the analyser suspended
// the pass) or re-evaluate the mask, restarting at any newly-appeared lower
// bit (spec §4.5 invocation rule).
func (c *Chain) RunPass(buf *xbuffer.Buffer) {
	for i := 0; i < maxPollEvents; i++ {
		mask := buf.AnalyserMask
		if mask == 0 {
			return
		}
		bit := lowestSet(mask)
		fn, ok := c.funcs[Bit(bit)]
		if !ok {
			// no implementation registered for this bit: treat as a no-op
			// that clears itself, rather than looping forever.
			buf.AnalyserMask &^= bit
			continue
		}
		before := buf.AnalyserMask
		if !fn(buf) {
			return // suspended: not enough data, or aborted
		}
		after := buf.AnalyserMask
		// any newly appeared bit below the one we just ran forces an
		// immediate restart there; bits above simply join the pending set
		// and are picked up naturally since we re-read the mask each loop.
		newlyAppeared := after &^ before
		if newlyAppeared != 0 && lowestSet(newlyAppeared) < bit {
			continue
		}
	}
}

func lowestSet(mask uint32) uint32 {
	return mask & (-mask)
}
