package analyser

import (
	"github.com/xtaci/reverseproxy/internal/acl"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// InspectRule is one tcp-request content directive (spec §6).
type InspectRule struct {
	Cond   *acl.Condition
	Reject bool
}

// NewTCPInspect returns the BitTCPInspect analyser: it evaluates the
// configured rules in order against ctx (refreshed on each invocation by the
// caller via ctxFn, since a sample's data may accrue between passes), and
// either accepts (clears the bit), rejects (onReject, session is torn down
// with DENIED per spec §6), or defers (returns false) while any rule is
// still MISS and the inspect delay has not elapsed (spec §6 "tcp-request
// inspect-delay").
func NewTCPInspect(rules []InspectRule, ctxFn func() *acl.EvalContext, expired func() bool, onReject func()) Func {
	return func(buf *xbuffer.Buffer) bool {
		ctx := ctxFn()
		for _, rule := range rules {
			result := rule.Cond.Eval(ctx)
			switch result {
			case acl.Fail:
				continue
			case acl.Miss:
				if expired != nil && expired() {
					// spec §6: "after analyse_exp, evaluation proceeds as FAIL"
					continue
				}
				return false
			case acl.Pass:
				buf.AnalyserMask &^= uint32(BitTCPInspect)
				if rule.Reject {
					if onReject != nil {
						onReject()
					}
				}
				return true
			}
		}
		// no rule matched: default action is accept
		buf.AnalyserMask &^= uint32(BitTCPInspect)
		return true
	}
}
