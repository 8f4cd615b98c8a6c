package session

import (
	"time"

	"github.com/xtaci/reverseproxy/internal/backend"
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/streamif"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

// phaseA promotes expired read/write deadlines on both buffers (spec §4.3
// Phase A). Termination class is not decided here, only flags.
func (s *Session) phaseA(now time.Time) bool {
	changed := false
	if s.ReqBuf.ExpireReads(now) {
		s.ClientSI.Shutr()
		changed = true
	}
	if s.ReqBuf.ExpireWrites(now) {
		s.ServerSI.Flags |= streamif.FlagNoLinger
		s.ServerSI.Shutw()
		changed = true
	}
	if s.RespBuf.ExpireReads(now) {
		s.ServerSI.Shutr()
		changed = true
	}
	if s.RespBuf.ExpireWrites(now) {
		s.ClientSI.Flags |= streamif.FlagNoLinger
		s.ClientSI.Shutw()
		changed = true
	}
	return changed
}

// phaseB handles transport errors surfacing on an already-established SI
// (spec §4.3 Phase B): close that side fully, and if nothing else is
// keeping the session alive, classify the termination.
func (s *Session) phaseB() bool {
	changed := false
	if established(s.ClientSI) && (s.ReqBuf.Flags&xbuffer.ReadError != 0 || s.RespBuf.Flags&xbuffer.WriteError != 0) {
		s.closeSI(s.ClientSI)
		if s.quiescent() {
			s.ErrClass, s.FinStage = xerrors.ClassCliCl, xerrors.FinData
		}
		changed = true
	}
	if established(s.ServerSI) && (s.RespBuf.Flags&xbuffer.ReadError != 0 || s.ReqBuf.Flags&xbuffer.WriteError != 0) {
		s.closeSI(s.ServerSI)
		if s.quiescent() {
			s.ErrClass, s.FinStage = xerrors.ClassSrvCl, xerrors.FinData
		}
		changed = true
	}
	changed = s.advanceGraceful(s.ClientSI) || changed
	changed = s.advanceGraceful(s.ServerSI) || changed
	return changed
}

// advanceGraceful drives an established SI through the "peer half-close"
// leg of the state diagram (spec §4.2: "EST -(peer half-close)-> DIS
// -(cleanup)-> CLO") once both its read and write directions have shut
// down cleanly, with no error involved.
func (s *Session) advanceGraceful(si *streamif.SI) bool {
	switch si.State {
	case streamif.StateEST:
		readDone := si.IB.Flags&(xbuffer.SHUTR|xbuffer.SHUTRNow) != 0
		writeDone := si.OB.Flags&(xbuffer.SHUTW|xbuffer.SHUTWNow) != 0
		if readDone && writeDone {
			si.SetState(streamif.StateDIS)
			return true
		}
	case streamif.StateDIS:
		si.SetState(streamif.StateCLO)
		if si.Conn != nil {
			si.Conn.Close()
		}
		return true
	}
	return false
}

func established(si *streamif.SI) bool {
	return si.State == streamif.StateEST || si.State == streamif.StateDIS
}

func (s *Session) quiescent() bool {
	return s.ReqBuf.AnalyserMask == 0 && s.RespBuf.AnalyserMask == 0
}

func (s *Session) closeSI(si *streamif.SI) {
	if si.State == streamif.StateCLO {
		return
	}
	si.Shutr()
	si.Shutw()
	si.SetState(streamif.StateCLO)
}

// phaseC advances a server SI sitting in CON: apply a pending connect
// result once the background dial completes, and route failures through
// the retry/redispatch logic (spec §4.3 Phase C). A connect deadline set by
// phaseFAss backstops the dial itself: if the goroutine hasn't reported
// back by ServerSI.Exp, the session is failed with CONN_TO without waiting
// on it further (the stray result, if it ever arrives, is simply dropped).
func (s *Session) phaseC(now time.Time) bool {
	if s.ServerSI.State != streamif.StateCON || s.connectResult == nil {
		return false
	}
	select {
	case err := <-s.connectResult:
		s.connecting = false
		s.connectResult = nil
		if err != nil {
			return s.handleConnectFailure(err)
		}
		s.tConnect = time.Now()
		s.ServerSI.SetState(streamif.StateEST)
		s.sessEstablish()
		return true
	default:
		if !s.ServerSI.Exp.IsZero() && !now.Before(s.ServerSI.Exp) {
			s.connecting = false
			s.connectResult = nil
			return s.handleConnectFailure(xerrors.New(xerrors.ErrConnTimeout, "connect()"))
		}
		return false
	}
}

// sessEstablish attaches the response analysers and marks the response
// buffer as attached for reads, mirroring the C "sess_establish" call
// named in spec §4.3 Phase C.
func (s *Session) sessEstablish() {
	s.RespBuf.Flags |= xbuffer.ReadAttached
}

// handleConnectFailure consumes one retry and decides CLO / REQ (with
// redispatch) / TAR (back-off), per spec §4.3 Phase C.
func (s *Session) handleConnectFailure(err error) bool {
	s.ServerSI.SetState(streamif.StateCER)
	s.ServerSI.ErrType, _ = xerrors.As(err)
	s.ServerSI.Flags |= streamif.FlagErr

	if s.retriesLeft <= 0 {
		if s.BE != nil {
			s.BE.Counters.Inc(&s.BE.Counters.FailedConns)
		}
		s.ErrClass = xerrors.ClassFor(s.ServerSI.ErrType.Kind(), false)
		s.FinStage = xerrors.FinConnect
		s.detachServer()
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
		return true
	}

	s.retriesLeft--
	if s.BE != nil {
		s.BE.Counters.Inc(&s.BE.Counters.Retries)
	}
	if s.retriesLeft == 0 && s.BE != nil && s.BE.Options.Redispatch {
		if s.BE != nil {
			s.BE.Counters.Inc(&s.BE.Counters.Redispatch)
		}
		s.detachServer()
		s.Sticky = nil
		s.ForcePersist = false
		s.ServerSI.SetState(streamif.StateREQ)
		return true
	}

	s.detachServer()
	s.tarpitUntil = time.Now().Add(time.Second)
	s.ServerSI.SetState(streamif.StateTAR)
	return true
}

func (s *Session) detachServer() {
	if s.server == nil {
		return
	}
	srv := s.server
	s.server = nil
	srv.Detach()
	srv.Dequeue()
}

// phaseD runs the request analyser chain once the client side (the
// producer feeding ReqBuf) is established (spec §4.3 Phase D).
func (s *Session) phaseD() bool {
	if s.ClientSI.State < streamif.StateEST || s.ReqBuf.AnalyserMask == 0 {
		return false
	}
	before := s.ReqBuf.AnalyserMask
	s.ReqChain.RunPass(s.ReqBuf)
	return s.ReqBuf.AnalyserMask != before
}

// phaseE is the symmetric response-side analyser loop (spec §4.3 Phase E).
func (s *Session) phaseE() bool {
	if s.ServerSI.State < streamif.StateEST || s.RespBuf.AnalyserMask == 0 {
		return false
	}
	before := s.RespBuf.AnalyserMask
	s.RespChain.RunPass(s.RespBuf)
	return s.RespBuf.AnalyserMask != before
}

// phaseF drives the server-side SI through REQ/QUE/TAR/ASS (spec §4.3
// Phase F, "sess_update_stream_int").
func (s *Session) phaseF(now time.Time) bool {
	switch s.ServerSI.State {
	case streamif.StateREQ:
		return s.phaseFReq()
	case streamif.StateASS:
		return s.phaseFAss()
	case streamif.StateQUE:
		return s.phaseFQue(now)
	case streamif.StateTAR:
		return s.phaseFTar(now)
	default:
		return false
	}
}

func (s *Session) phaseFReq() bool {
	if s.BE == nil {
		s.ErrClass, s.FinStage = xerrors.ClassPrxCond, xerrors.FinRequest
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
		return true
	}
	sel := backend.New(s.BE)
	req := backend.Request{
		SessionID:    s.ID,
		Sticky:       s.Sticky,
		ForcePersist: s.ForcePersist,
		Promote: func(srv *proxy.Server) {
			s.mu.Lock()
			s.server = srv
			s.ServerSI.SetState(streamif.StateASS)
			s.mu.Unlock()
			s.wake()
		},
	}
	outcome, srv := sel.Select(req)
	switch outcome {
	case backend.Assigned:
		s.server = srv
		s.queuedAt = time.Now()
		s.ServerSI.SetState(streamif.StateASS)
	case backend.Queued:
		s.server = srv
		s.queuedAt = time.Now()
		s.ServerSI.SetState(streamif.StateQUE)
	case backend.NoServerAvailable:
		s.BE.Counters.Inc(&s.BE.Counters.FailedConns)
		s.ErrClass, s.FinStage = xerrors.ClassResource, xerrors.FinRequest
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
	}
	return true
}

func (s *Session) phaseFAss() bool {
	if s.connecting {
		return false
	}
	if s.server == nil {
		s.ServerSI.SetState(streamif.StateREQ)
		return true
	}
	s.connecting = true
	s.connectResult = make(chan error, 1)
	si := s.ServerSI
	cto := s.ReqBuf.ConnectTimeout()
	if ops, ok := si.Ops.(*streamif.SocketOps); ok {
		ops.RemoteAddr = s.server.Addr.String()
		if ops.Network == "" {
			ops.Network = "tcp"
		}
		ops.Timeout = cto
	}
	if cto > 0 {
		si.Exp = time.Now().Add(cto)
	} else {
		si.Exp = time.Time{}
	}
	si.SetState(streamif.StateCON)
	sched := s.Sched
	resultCh := s.connectResult
	go func() {
		err := si.Connect()
		resultCh <- err
		if sched != nil {
			sched.Schedule(s)
		}
	}()
	return true
}

func (s *Session) phaseFQue(now time.Time) bool {
	if s.BE != nil && s.BE.Timeouts.Queue > 0 && now.Sub(s.queuedAt) >= s.BE.Timeouts.Queue {
		s.BE.Counters.Inc(&s.BE.Counters.FailedConns)
		s.ErrClass, s.FinStage = xerrors.ClassSrvTO, xerrors.FinQueue
		s.ClientSI.Shutw()
		s.ClientSI.Shutr()
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
		return true
	}
	if s.ReqBuf.Flags&xbuffer.ReadError != 0 || (s.ReqBuf.Flags&xbuffer.SHUTWNow != 0 && s.ReqBuf.Flags&xbuffer.OutEmpty != 0) {
		s.ErrClass, s.FinStage = xerrors.ClassCliCl, xerrors.FinQueue
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
		return true
	}
	return false
}

func (s *Session) phaseFTar(now time.Time) bool {
	if s.ReqBuf.Flags&xbuffer.ReadError != 0 {
		s.closeSI(s.ServerSI)
		s.closeSI(s.ClientSI)
		return true
	}
	if now.Before(s.tarpitUntil) {
		return false
	}
	if s.server != nil {
		s.ServerSI.SetState(streamif.StateASS)
	} else {
		s.ServerSI.SetState(streamif.StateREQ)
	}
	return true
}

// phaseG enables unattended forwarding once neither buffer has analysers
// left and the server side is established (spec §4.3 Phase G). Kernel
// splicing is not attempted: Go's net.Conn has no portable splice/sendfile
// hook across the socket pairs this engine relays between, so KernSplicing
// stays unset (documented, not silently dropped).
func (s *Session) phaseG() bool {
	if s.ReqBuf.AnalyserMask != 0 || s.RespBuf.AnalyserMask != 0 || s.ServerSI.State < streamif.StateEST {
		return false
	}
	changed := false
	if s.ReqBuf.Flags&(xbuffer.AutoClose|xbuffer.AutoConnect) != xbuffer.AutoClose|xbuffer.AutoConnect {
		s.ReqBuf.Flags |= xbuffer.AutoClose | xbuffer.AutoConnect
		changed = true
	}
	if s.RespBuf.Flags&(xbuffer.AutoClose|xbuffer.AutoConnect) != xbuffer.AutoClose|xbuffer.AutoConnect {
		s.RespBuf.Flags |= xbuffer.AutoClose | xbuffer.AutoConnect
		changed = true
	}
	if s.ReqBuf.ToForward() != xbuffer.Infinite {
		s.ReqBuf.Forward(xbuffer.Infinite)
		changed = true
	}
	if s.RespBuf.ToForward() != xbuffer.Infinite {
		s.RespBuf.Forward(xbuffer.Infinite)
		changed = true
	}
	return changed
}

// phaseH propagates shutdown flags between the two buffers (spec §4.3
// Phase H), applied in order and re-synced by the outer sweep loop.
func (s *Session) phaseH() bool {
	changed := false
	changed = s.shutdownSide(s.ReqBuf, s.ServerSI, s.ClientSI) || changed
	changed = s.shutdownSide(s.RespBuf, s.ClientSI, s.ServerSI) || changed
	return changed
}

// shutdownSide applies Phase H's rules to one buffer: writer is the SI
// that drains it (its Shutw shuts the downstream write), reader is the SI
// that fills it (its Shutr shuts the upstream read).
func (s *Session) shutdownSide(buf *xbuffer.Buffer, writer, reader *streamif.SI) bool {
	changed := false
	if buf.Flags&xbuffer.AutoClose != 0 && buf.Flags&(xbuffer.SHUTR|xbuffer.SHUTRNow) != 0 && buf.Flags&xbuffer.Hijack == 0 {
		if buf.Flags&xbuffer.SHUTW == 0 {
			writer.Shutw()
			changed = true
		}
	}
	if buf.Flags&xbuffer.SHUTWNow != 0 && buf.Flags&xbuffer.OutEmpty != 0 {
		if buf.Flags&xbuffer.SHUTW == 0 {
			writer.Shutw()
			changed = true
		}
	}
	if buf.Flags&xbuffer.SHUTW != 0 && buf.Flags&(xbuffer.SHUTR|xbuffer.SHUTRNow) == 0 && buf.AnalyserMask == 0 {
		reader.Shutr()
		changed = true
	}
	return changed
}

// phaseI terminates the session once both SIs are closed, or computes the
// next wake deadline otherwise (spec §4.3 Phase I).
func (s *Session) phaseI(now time.Time) (time.Time, bool) {
	if s.ClientSI.State == streamif.StateCLO && s.ServerSI.State == streamif.StateCLO {
		s.finish()
		return time.Time{}, false
	}

	var best time.Time
	have := false
	consider := func(t time.Time, ok bool) {
		if !ok || t.IsZero() {
			return
		}
		if !have || t.Before(best) {
			best, have = t, true
		}
	}
	consider(s.ReqBuf.NextExpiry())
	consider(s.RespBuf.NextExpiry())
	consider(s.ClientSI.Exp, !s.ClientSI.Exp.IsZero())
	consider(s.ServerSI.Exp, !s.ServerSI.Exp.IsZero())
	if s.ServerSI.State == streamif.StateTAR {
		consider(s.tarpitUntil, true)
	}
	if !have {
		best = now.Add(100 * time.Millisecond)
	}
	return best, true
}

// finish releases the server slot (promoting anything queued behind it),
// decrements the frontend's live-connection counter and invokes OnClose
// exactly once (spec §4.3 Phase I).
func (s *Session) finish() {
	if s.done {
		return
	}
	s.done = true
	s.detachServer()
	if s.FE != nil {
		s.FE.Counters.Dec(&s.FE.Counters.CurConns)
	}
	if s.OnClose != nil {
		s.OnClose(s)
	}
}
