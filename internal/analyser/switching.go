package analyser

import (
	"github.com/xtaci/reverseproxy/internal/acl"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// SwitchRule pairs a condition with the callback that reassigns the
// session's backend when it matches (spec §4.5 "switching rules reassign
// be").
type SwitchRule struct {
	Cond   *acl.Condition
	Switch func()
}

// NewSwitching returns the BitSwitchingRules analyser: the first rule whose
// condition evaluates PASS fires its Switch callback; MISS defers the pass
// until more data or analyse_exp forces a FAIL-as-default resolution.
func NewSwitching(rules []SwitchRule, ctxFn func() *acl.EvalContext, expired func() bool) Func {
	return func(buf *xbuffer.Buffer) bool {
		ctx := ctxFn()
		for _, rule := range rules {
			switch rule.Cond.Eval(ctx) {
			case acl.Pass:
				if rule.Switch != nil {
					rule.Switch()
				}
				buf.AnalyserMask &^= uint32(BitSwitchingRules)
				return true
			case acl.Miss:
				if expired != nil && expired() {
					continue
				}
				return false
			}
		}
		buf.AnalyserMask &^= uint32(BitSwitchingRules)
		return true
	}
}
