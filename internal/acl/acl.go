package acl

import (
	"net"
	"strings"
)

// ResultFlag carries the side signals a fetch or evaluation may set,
// alongside the tri-state discriminant (spec §4.4, §9 "ACL fetch flags").
type ResultFlag uint8

const (
	FlagMayChange ResultFlag = 1 << iota
	FlagFetchMore
	FlagMustFree
	FlagNullMatch
)

// Tri is the tri-state evaluation result (spec §4.4).
type Tri int

const (
	Fail Tri = iota
	Pass
	Miss
)

func (t Tri) Negate() Tri {
	switch t {
	case Pass:
		return Fail
	case Fail:
		return Pass
	default:
		return Miss
	}
}

// Capability is the data-availability mask a hook declares it can supply,
// and an expression's Requires mask is checked against it (spec §4.4).
type Capability uint32

const (
	CapTCP4 Capability = 1 << iota
	CapTCP6
	CapL4Req
	CapL7Req
	CapHdr
	CapL4Rtr
	CapL7Rtr
	CapPermanent
	CapCacheable
)

// Sample is the value a fetch produced, tagged by its kind so Expression.Eval
// can dispatch to the right pattern comparator.
type Sample struct {
	Kind PatternKind
	Str  string
	Int  int64
	IP   net.IP
	VMaj uint16
	VMin uint16
}

// FetchFunc samples a value from the session/txn for a given hook. It
// returns the tri-state result directly for conditions like wait_end (no
// pattern list to test against) or, more commonly, a Sample plus ok=true to
// be matched against the Expression's patterns.
type FetchFunc func(ctx *EvalContext) (sample Sample, flags ResultFlag, ok bool, direct Tri)

// EvalContext carries whatever the session/txn currently exposes to
// fetchers; kept deliberately minimal and supplied by the caller (session
// package) rather than imported here, to avoid a cyclic dependency between
// acl and session.
type EvalContext struct {
	Available Capability
	Partial   bool // data still being received; enables MISS (spec §4.4)

	Data map[string]any // keyword-specific sample data, set up by the caller
}

// Expression is keyword + optional argument + ordered pattern list (spec
// §4.4). Fetch, Requires and an optional Index (exact-string or CIDR fast
// path) round out the compiled predicate.
type Expression struct {
	Keyword  string
	Requires Capability
	Fetch    FetchFunc
	Negate   bool

	Patterns []*Pattern

	// exactIndex accelerates KindStringExact lookups; every other pattern,
	// CIDR prefixes included, is only held in Patterns and scanned in
	// insertion order rather than through a radix tree.
	exactIndex map[string]bool
}

func NewExpression(keyword string, requires Capability, fetch FetchFunc) *Expression {
	return &Expression{Keyword: keyword, Requires: requires, Fetch: fetch}
}

// AddPattern appends a pattern and, for exact strings, indexes it.
func (e *Expression) AddPattern(p *Pattern) {
	e.Patterns = append(e.Patterns, p)
	if p.Kind == KindStringExact {
		if e.exactIndex == nil {
			e.exactIndex = map[string]bool{}
		}
		e.exactIndex[p.Str] = true
	}
}

// matchSample tests a sample against every pattern; any pattern match is a
// logical OR across the pattern list (spec §4.4: "ordered pattern list").
func (e *Expression) matchSample(s Sample) bool {
	if s.Kind == KindStringExact && e.exactIndex != nil {
		if e.exactIndex[s.Str] {
			return true
		}
	}
	for _, p := range e.Patterns {
		switch p.Kind {
		case KindStringExact, KindStringBegin, KindStringEnd, KindStringSubstr, KindStringDir, KindStringDom, KindStringRegex:
			if p.MatchString(s.Str) {
				return true
			}
		case KindInteger, KindLength:
			if p.MatchInt(s.Int) {
				return true
			}
		case KindIPCIDR:
			if p.MatchIP(s.IP) {
				return true
			}
		case KindVersion:
			if p.MatchVersion(s.VMaj, s.VMin) {
				return true
			}
		}
	}
	return false
}

// Eval runs Fetch and compares the result against the pattern list,
// honoring MAY_CHANGE/FETCH_MORE/NULL_MATCH/MUST_FREE side signals (spec
// §4.4). requires must be a subset of ctx.Available or this is a
// configuration error — the caller (hook) is expected to have validated
// that ahead of time; Eval itself just evaluates.
func (e *Expression) Eval(ctx *EvalContext) Tri {
	sample, flags, ok, direct := e.Fetch(ctx)
	if !ok {
		if flags&FlagMayChange != 0 && ctx.Partial {
			return Miss
		}
		if flags&FlagNullMatch != 0 {
			sample = Sample{}
			ok = true
		} else {
			return direct
		}
	}
	if len(e.Patterns) == 0 {
		// keywords like always_true/always_false/wait_end report their
		// result directly via `direct` with no pattern list to test.
		return direct
	}
	if e.matchSample(sample) {
		return Pass
	}
	if flags&FlagFetchMore != 0 {
		// a real engine would re-enter Fetch for subsequent values; our
		// fetchers are single-valued so FETCH_MORE degrades to FAIL.
		return Fail
	}
	return Fail
}

// TermSuite is a conjunction of (optionally negated) ACL references (spec
// §4.4 GLOSSARY).
type TermSuite struct {
	Refs []Ref
}

// Ref is one reference to a named ACL within a term suite.
type Ref struct {
	Expr   *Expression
	Negate bool
}

// Condition is a disjunction of term suites (spec §4.4).
type Condition struct {
	Suites   []TermSuite
	Polarity Polarity
}

type Polarity int

const (
	PolarityIf Polarity = iota
	PolarityUnless
)

// Eval evaluates the condition: any single suite PASS short-circuits to
// PASS (after polarity is applied); within a suite any single FAIL
// short-circuits the conjunction to FAIL. MISS propagates when no suite
// can yet decide (spec §4.4, §8 "eval(¬c) = ¬eval(c)").
func (c *Condition) Eval(ctx *EvalContext) Tri {
	sawMiss := false
	for _, suite := range c.Suites {
		r := evalSuite(suite, ctx)
		switch r {
		case Pass:
			return c.applyPolarity(Pass)
		case Miss:
			sawMiss = true
		}
	}
	if sawMiss {
		return Miss
	}
	return c.applyPolarity(Fail)
}

func (c *Condition) applyPolarity(r Tri) Tri {
	if c.Polarity == PolarityUnless && (r == Pass || r == Fail) {
		return r.Negate()
	}
	return r
}

func evalSuite(suite TermSuite, ctx *EvalContext) Tri {
	sawMiss := false
	for _, ref := range suite.Refs {
		r := ref.Expr.Eval(ctx)
		if ref.Negate {
			r = r.Negate()
		}
		switch r {
		case Fail:
			return Fail
		case Miss:
			sawMiss = true
		}
	}
	if sawMiss {
		return Miss
	}
	return Pass
}

// RequiresOf returns the union of Requires across every expression a
// condition references, so a hook can validate availability up front (spec
// §4.4 "any ACL referring to data unavailable at that hook is a
// configuration error").
func (c *Condition) RequiresOf() Capability {
	var cap Capability
	for _, suite := range c.Suites {
		for _, ref := range suite.Refs {
			cap |= ref.Expr.Requires
		}
	}
	return cap
}

// ValidateHook checks that every ACL a condition references can be
// evaluated with the capabilities a hook declares.
func ValidateHook(c *Condition, hookCaps Capability) error {
	for _, suite := range c.Suites {
		for _, ref := range suite.Refs {
			if ref.Expr.Requires&^hookCaps != 0 {
				return &hookError{keyword: ref.Expr.Keyword}
			}
		}
	}
	return nil
}

type hookError struct{ keyword string }

func (e *hookError) Error() string {
	return "acl: keyword " + e.keyword + " requires data unavailable at this hook"
}

// splitCIDRList splits a comma-separated list such as
// "10.0.0.0/8,192.168.0.0/16" into its trimmed, non-empty entries as
// strings. Nothing in the module calls it.
func splitCIDRList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
