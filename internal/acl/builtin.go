package acl

import "net"

// Embedded keywords named in spec §6. Each returns a FetchFunc wired to the
// EvalContext.Data map the session package populates per hook.

func fetchAlwaysTrue(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	return Sample{}, 0, false, Pass
}

func fetchAlwaysFalse(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	return Sample{}, 0, false, Fail
}

// fetchWaitEnd evaluates to MISS while data collection (the tcp-request
// inspect-delay window) is still open, else PASS (spec §6, §8 scenario 6).
func fetchWaitEnd(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	if ctx.Partial {
		return Sample{}, 0, false, Miss
	}
	return Sample{}, 0, false, Pass
}

func fetchSrc(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	ip, ok := ctx.Data["src"].(net.IP)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindIPCIDR, IP: ip}, 0, true, Fail
}

func fetchDst(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	ip, ok := ctx.Data["dst"].(net.IP)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindIPCIDR, IP: ip}, 0, true, Fail
}

func fetchSrcPort(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	p, ok := ctx.Data["src_port"].(int)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindInteger, Int: int64(p)}, 0, true, Fail
}

func fetchDstPort(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	p, ok := ctx.Data["dst_port"].(int)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindInteger, Int: int64(p)}, 0, true, Fail
}

func fetchDstConn(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	n, ok := ctx.Data["dst_conn"].(int)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindInteger, Int: int64(n)}, 0, true, Fail
}

func fetchFeID(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	s, ok := ctx.Data["fe_id"].(string)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindStringExact, Str: s}, 0, true, Fail
}

func fetchSoID(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	s, ok := ctx.Data["so_id"].(string)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindStringExact, Str: s}, 0, true, Fail
}

func fetchReqLen(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	n, ok := ctx.Data["req_len"].(int)
	if !ok {
		// not enough data yet to know the length; caller sets Partial
		return Sample{}, FlagMayChange, false, Miss
	}
	return Sample{Kind: KindInteger, Int: int64(n)}, 0, true, Fail
}

func fetchReqSSLVer(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	maj, min, ok := ctx.sslVersion()
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindVersion, VMaj: maj, VMin: min}, 0, true, Fail
}

func (ctx *EvalContext) sslVersion() (uint16, uint16, bool) {
	v, ok := ctx.Data["req_ssl_ver"].([2]uint16)
	if !ok {
		return 0, 0, false
	}
	return v[0], v[1], true
}

func fetchReqRDPCookie(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	s, ok := ctx.Data["req_rdp_cookie"].(string)
	if !ok {
		return Sample{}, FlagMayChange, false, Miss
	}
	return Sample{Kind: KindStringExact, Str: s}, 0, true, Fail
}

func fetchReqRDPCookieCnt(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	n, ok := ctx.Data["req_rdp_cookie_cnt"].(int)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindInteger, Int: int64(n)}, 0, true, Fail
}

// Builtins returns the embedded keyword table (spec §6), ready to be
// referenced by name when compiling default and user-defined ACLs.
func Builtins() map[string]*Expression {
	return map[string]*Expression{
		"always_true":        NewExpression("always_true", 0, fetchAlwaysTrue),
		"always_false":       NewExpression("always_false", 0, fetchAlwaysFalse),
		"wait_end":           NewExpression("wait_end", CapL4Req, fetchWaitEnd),
		"src":                NewExpression("src", CapTCP4|CapTCP6, fetchSrc),
		"dst":                NewExpression("dst", CapTCP4|CapTCP6, fetchDst),
		"src_port":           NewExpression("src_port", CapTCP4|CapTCP6, fetchSrcPort),
		"dst_port":           NewExpression("dst_port", CapTCP4|CapTCP6, fetchDstPort),
		"dst_conn":           NewExpression("dst_conn", CapTCP4|CapTCP6, fetchDstConn),
		"fe_id":              NewExpression("fe_id", CapPermanent, fetchFeID),
		"so_id":              NewExpression("so_id", CapPermanent, fetchSoID),
		"req_len":            NewExpression("req_len", CapL4Req, fetchReqLen),
		"req_ssl_ver":        NewExpression("req_ssl_ver", CapL4Req, fetchReqSSLVer),
		"req_rdp_cookie":     NewExpression("req_rdp_cookie", CapL4Req, fetchReqRDPCookie),
		"req_rdp_cookie_cnt": NewExpression("req_rdp_cookie_cnt", CapL4Req, fetchReqRDPCookieCnt),
	}
}

// DefaultACLs compiles the named default conditions of spec §6
// (TRUE/FALSE/LOCALHOST/HTTP family/METH_*/...). HTTP-specific ones need an
// HTTP sample set (method, version, url) supplied via ctx.Data by the
// HTTP-aware analyser; in TCP-only mode they simply evaluate FAIL.
func DefaultACLs() map[string]*Condition {
	b := Builtins()
	simple := func(name string) *Condition {
		return &Condition{Suites: []TermSuite{{Refs: []Ref{{Expr: b[name]}}}}}
	}

	localhost, _ := ParseCIDR("127.0.0.1/8")
	localhostExpr := NewExpression("src", CapTCP4, fetchSrc)
	localhostExpr.AddPattern(localhost)

	httpMethod := func(m string) *Condition {
		e := NewExpression("method", CapL7Req, fetchHTTPMethod)
		p, _ := ParseString(KindStringExact, m)
		e.AddPattern(p)
		return &Condition{Suites: []TermSuite{{Refs: []Ref{{Expr: e}}}}}
	}

	httpVersion := func(maj, min uint16) *Condition {
		e := NewExpression("version", CapL7Req, fetchHTTPVersion)
		e.AddPattern(&Pattern{Kind: KindVersion, VerHi: maj, VerLo: min})
		return &Condition{Suites: []TermSuite{{Refs: []Ref{{Expr: e}}}}}
	}

	urlKind := func(kind PatternKind, raw string) *Condition {
		e := NewExpression("url", CapL7Req, fetchHTTPURL)
		p, _ := ParseString(kind, raw)
		e.AddPattern(p)
		return &Condition{Suites: []TermSuite{{Refs: []Ref{{Expr: e}}}}}
	}

	return map[string]*Condition{
		"TRUE":           simple("always_true"),
		"FALSE":          simple("always_false"),
		"LOCALHOST":      &Condition{Suites: []TermSuite{{Refs: []Ref{{Expr: localhostExpr}}}}},
		"HTTP":           {Suites: []TermSuite{{Refs: []Ref{{Expr: NewExpression("method_present", CapL7Req, fetchHTTPPresent)}}}}},
		"HTTP_1.0":       httpVersion(1, 0),
		"HTTP_1.1":       httpVersion(1, 1),
		"METH_CONNECT":   httpMethod("CONNECT"),
		"METH_GET":       httpMethod("GET"),
		"METH_HEAD":      httpMethod("HEAD"),
		"METH_OPTIONS":   httpMethod("OPTIONS"),
		"METH_POST":      httpMethod("POST"),
		"METH_TRACE":     httpMethod("TRACE"),
		"HTTP_URL_ABS":   urlKind(KindStringBegin, "http://"),
		"HTTP_URL_SLASH": urlKind(KindStringBegin, "/"),
		"HTTP_URL_STAR":  urlKind(KindStringExact, "*"),
		"HTTP_CONTENT":   {Suites: []TermSuite{{Refs: []Ref{{Expr: NewExpression("req_len_gt0", CapL7Req, fetchReqLenGT0)}}}}},
		"RDP_COOKIE":     {Suites: []TermSuite{{Refs: []Ref{{Expr: b["req_rdp_cookie_cnt"], Negate: false}}}}},
		"REQ_CONTENT":    {Suites: []TermSuite{{Refs: []Ref{{Expr: NewExpression("req_len_gt0b", CapL4Req, fetchReqLenGT0)}}}}},
		"WAIT_END":       simple("wait_end"),
	}
}

func fetchHTTPPresent(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	_, ok := ctx.Data["http_method"].(string)
	if ok {
		return Sample{}, 0, false, Pass
	}
	return Sample{}, 0, false, Fail
}

func fetchHTTPMethod(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	m, ok := ctx.Data["http_method"].(string)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindStringExact, Str: m}, 0, true, Fail
}

func fetchHTTPVersion(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	v, ok := ctx.Data["http_version"].([2]uint16)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindVersion, VMaj: v[0], VMin: v[1]}, 0, true, Fail
}

func fetchHTTPURL(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	u, ok := ctx.Data["http_url"].(string)
	if !ok {
		return Sample{}, 0, false, Fail
	}
	return Sample{Kind: KindStringExact, Str: u}, 0, true, Fail
}

func fetchReqLenGT0(ctx *EvalContext) (Sample, ResultFlag, bool, Tri) {
	n, ok := ctx.Data["req_len"].(int)
	if !ok {
		return Sample{}, FlagMayChange, false, Miss
	}
	if n > 0 {
		return Sample{}, 0, false, Pass
	}
	return Sample{}, 0, false, Fail
}
