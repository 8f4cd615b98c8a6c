// Package session implements the per-connection session engine of spec
// §4.3: the finite-state machine that drives a client<->server session
// from accept through teardown, ties together the stream interfaces
// (streamif), the two circular buffers (xbuffer), the analyser chain
// (analyser), the backend selector (backend) and the typed error
// taxonomy (xerrors), and is itself one sched.Task so the scheduler can
// drive it cooperatively.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/xtaci/reverseproxy/internal/acl"
	"github.com/xtaci/reverseproxy/internal/analyser"
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/sched"
	"github.com/xtaci/reverseproxy/internal/streamif"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

// Session owns one client<->server relay (spec §3 "Session"). It is
// constructed once per accepted connection and handed to a sched.Scheduler
// as a Task; every Process call is one sweep across Phases A-I.
type Session struct {
	ID uint64

	FE *proxy.Proxy // frontend: owns ACLs, inspect/switching rules, listener-side counters
	BE *proxy.Proxy // currently selected backend; switching rules may reassign it

	ClientSI *streamif.SI
	ServerSI *streamif.SI

	// ReqBuf flows client->server (ClientSI.IB == ServerSI.OB); RespBuf
	// flows server->client (ServerSI.IB == ClientSI.OB). Both SIs share
	// these two buffers by construction (spec §3 "two circular byte
	// buffers that sit between the client-side and server-side SIs").
	ReqBuf  *xbuffer.Buffer
	RespBuf *xbuffer.Buffer

	ReqChain  *analyser.Chain
	RespChain *analyser.Chain

	Sched *sched.Scheduler

	// Sticky, ForcePersist seed the backend selector; Promote transitions
	// a queued session's server SI from QUE to ASS (spec §4.6).
	Sticky       *proxy.Server
	ForcePersist bool

	server        *proxy.Server
	retriesLeft   int
	queuedAt      time.Time
	tarpitUntil   time.Time
	tConnect      time.Time
	connecting    bool
	connectResult chan error

	ErrClass xerrors.ErrClass
	FinStage xerrors.FinStage

	done bool
	mu   sync.Mutex

	// OnClose, if set, is invoked exactly once when the session finishes
	// (spec §4.3 Phase I: decrement counters, re-enable the listener,
	// write the access log, free the session).
	OnClose func(s *Session)

	// dontWake guards against an inner call re-entering Process while the
	// current sweep is still mutating state (spec §4.3 "reentrancy-safe").
	dontWake bool
}

// New constructs a session over an already-accepted client connection.
// clientSI.Conn may be nil for tests driving the buffers directly.
func New(id uint64, fe, be *proxy.Proxy, clientSI *streamif.SI, reqBuf, respBuf *xbuffer.Buffer, sc *sched.Scheduler) *Session {
	s := &Session{
		ID:        id,
		FE:        fe,
		BE:        be,
		ClientSI:  clientSI,
		ReqBuf:    reqBuf,
		RespBuf:   respBuf,
		ReqChain:  analyser.NewChain(),
		RespChain: analyser.NewChain(),
		Sched:     sc,
	}
	if clientSI.State == streamif.StateINI {
		clientSI.SetState(streamif.StateEST)
	}
	s.ServerSI = streamif.New(respBuf, reqBuf, streamif.VariantSocket, streamif.NewSocketOps())
	s.ServerSI.SetState(streamif.StateREQ)
	if be != nil {
		s.retriesLeft = be.Options.Retries
	}
	if fe != nil {
		fe.Counters.Inc(&fe.Counters.CurConns)
		fe.Counters.Inc(&fe.Counters.TotalConns)
	}
	return s
}

// AttachEmbedded rebinds the server SI to an embedded producer/consumer
// (e.g. the stats page) instead of a real TCP dial.
func (s *Session) AttachEmbedded(ops streamif.Ops) {
	s.ServerSI.Variant = streamif.VariantEmbedded
	s.ServerSI.Ops = ops
}

// ACLContext builds the EvalContext a hook needs, sourcing sample data
// from whatever the client SI's transport has recorded so far. Kept
// minimal; individual analysers may overwrite ctx.Data entries before
// evaluating a condition (spec §4.4 "kept deliberately minimal"). Data
// values are stored as the plain Go kind the acl builtins type-assert
// against (int, not int64, for the port/count fetchers).
func (s *Session) ACLContext(partial bool) *acl.EvalContext {
	data := map[string]any{}
	if s.ClientSI != nil && s.ClientSI.Conn != nil {
		if ra, ok := s.ClientSI.Conn.RemoteAddr().(*net.TCPAddr); ok {
			data["src"] = ra.IP
			data["src_port"] = ra.Port
		}
		if la, ok := s.ClientSI.Conn.LocalAddr().(*net.TCPAddr); ok {
			data["dst"] = la.IP
			data["dst_port"] = la.Port
		}
	}
	if s.FE != nil {
		data["dst_conn"] = int(s.FE.Counters.CurConns)
	}
	data["req_len"] = s.ReqBuf.Len()
	return &acl.EvalContext{Available: acl.CapTCP4 | acl.CapL4Req, Partial: partial, Data: data}
}

// Abort closes both stream interfaces immediately and, if the session has
// not already been classified, records class/stage as its termination
// reason (spec §6). It exists for hooks that must not be mistaken for a
// peer close: a malformed preamble or an inspect-rule reject is a protocol
// decision (PRXCOND), and routing it through phaseB's generic ReadError
// handling would misclassify it as CLICL/SRVCL. Callers are analyser hooks
// invoked synchronously from within Process's phaseD/phaseE, so this does
// not take s.mu itself.
func (s *Session) Abort(class xerrors.ErrClass, stage xerrors.FinStage) {
	if s.ErrClass == xerrors.ClassNone {
		s.ErrClass, s.FinStage = class, stage
	}
	s.closeSI(s.ClientSI)
	s.closeSI(s.ServerSI)
}

// Process runs one full A-I sweep and reports the next wake deadline,
// satisfying sched.Task. ok=false once the session has fully closed.
func (s *Session) Process(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return time.Time{}, false
	}

	s.dontWake = true
	for i := 0; i < 16; i++ {
		changed := false
		changed = s.phaseA(now) || changed
		changed = s.phaseB() || changed
		changed = s.phaseC(now) || changed
		changed = s.phaseD() || changed
		changed = s.phaseE() || changed
		changed = s.phaseF(now) || changed
		changed = s.phaseG() || changed
		changed = s.phaseH() || changed
		if !changed {
			break
		}
	}
	s.dontWake = false

	return s.phaseI(now)
}

// wake re-queues the session from inside a nested call (e.g. a queue
// promote callback, or a connect goroutine completing); if we're in the
// middle of our own sweep, dontWake means the scheduler's own de-dupe
// already covers us once the outer Process returns and reschedules.
func (s *Session) wake() {
	if s.dontWake {
		return
	}
	if s.Sched != nil {
		s.Sched.Schedule(s)
	}
}
