package session

import (
	"net"
	"testing"
	"time"

	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/sched"
	"github.com/xtaci/reverseproxy/internal/streamif"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

func newTestSession(be *proxy.Proxy) (*Session, *xbuffer.Buffer, *xbuffer.Buffer) {
	fe := proxy.NewProxy("fe", proxy.ModeTCP)
	fe.Options.Retries = 0

	reqBuf := xbuffer.New(4096)
	respBuf := xbuffer.New(4096)
	clientSI := streamif.New(reqBuf, respBuf, streamif.VariantSocket, streamif.NewSocketOps())

	sc := sched.New()
	s := New(1, fe, be, clientSI, reqBuf, respBuf, sc)
	return s, reqBuf, respBuf
}

func pipeDial(network, localAddr, remoteAddr string, timeout time.Duration) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

func refusedDial(network, localAddr, remoteAddr string, timeout time.Duration) (net.Conn, error) {
	return nil, &net.OpError{Op: "dial", Err: errConnRefused{}}
}

type errConnRefused struct{}

func (errConnRefused) Error() string   { return "connection refused" }
func (errConnRefused) Timeout() bool   { return false }
func (errConnRefused) Temporary() bool { return false }

func runUntil(t *testing.T, s *Session, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.Process(time.Now())
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached before timeout")
}

func TestSessionAssignsConnectsAndForwards(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	be.Servers = []*proxy.Server{proxy.NewServer("s1", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}, 10)}
	s, reqBuf, respBuf := newTestSession(be)
	s.ServerSI.Ops.(*streamif.SocketOps).Dial = pipeDial

	runUntil(t, s, func() bool { return s.ServerSI.State == streamif.StateEST }, time.Second)

	if s.server == nil || s.server.Name != "s1" {
		t.Fatalf("expected session to be assigned to s1, got %+v", s.server)
	}
	if s.server.CurSess() != 1 {
		t.Fatalf("expected server to show one attached session, got %d", s.server.CurSess())
	}

	// forwarding should have engaged on both buffers once established.
	s.Process(time.Now())
	if reqBuf.ToForward() != xbuffer.Infinite || respBuf.ToForward() != xbuffer.Infinite {
		t.Fatalf("expected both buffers forwarding infinitely once established")
	}
	if reqBuf.Flags&xbuffer.AutoClose == 0 || respBuf.Flags&xbuffer.AutoClose == 0 {
		t.Fatalf("expected AutoClose set on both buffers")
	}
}

func TestSessionShutdownPropagatesToTermination(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	be.Servers = []*proxy.Server{proxy.NewServer("s1", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}, 10)}
	s, _, _ := newTestSession(be)
	s.ServerSI.Ops.(*streamif.SocketOps).Dial = pipeDial

	runUntil(t, s, func() bool { return s.ServerSI.State == streamif.StateEST }, time.Second)
	s.Process(time.Now()) // engage forwarding

	closed := false
	s.OnClose = func(*Session) { closed = true }

	// both sides reached clean EOF on their read direction; AutoClose
	// (set by phaseG) should propagate a matching shutw on the opposite
	// SI, and once both directions are shut each SI should drain through
	// DIS into CLO.
	s.ClientSI.Shutr()
	s.ServerSI.Shutr()

	var ok bool
	for i := 0; i < 50; i++ {
		_, ok = s.Process(time.Now())
		if !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if ok {
		t.Fatalf("expected session to terminate once both sides shut down")
	}
	if !closed {
		t.Fatalf("expected OnClose to fire on termination")
	}
	if s.ClientSI.State != streamif.StateCLO || s.ServerSI.State != streamif.StateCLO {
		t.Fatalf("expected both SIs closed, got client=%v server=%v", s.ClientSI.State, s.ServerSI.State)
	}
}

func TestSessionNoServerAvailableClosesImmediately(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	srv := proxy.NewServer("s1", &net.TCPAddr{Port: 9000}, 10)
	srv.SetUp(false)
	be.Servers = []*proxy.Server{srv}
	s, _, _ := newTestSession(be)

	_, ok := s.Process(time.Now())
	if ok {
		t.Fatalf("expected session to terminate immediately with no server up")
	}
	if s.ServerSI.State != streamif.StateCLO || s.ClientSI.State != streamif.StateCLO {
		t.Fatalf("expected both SIs closed")
	}
	if be.Counters.FailedConns != 1 {
		t.Fatalf("expected FailedConns incremented, got %d", be.Counters.FailedConns)
	}
}

func TestSessionRetriesThenRedispatchesOnPersistentFailure(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	be.Options.Retries = 1
	be.Options.Redispatch = true
	srv := proxy.NewServer("s1", &net.TCPAddr{Port: 9000}, 10)
	be.Servers = []*proxy.Server{srv}
	s, _, _ := newTestSession(be)
	s.ServerSI.Ops.(*streamif.SocketOps).Dial = refusedDial

	// drive until the session gives up on s1: with Retries=1 and redispatch
	// enabled, the first refusal spends the only retry on a redispatch
	// straight back to REQ (no TAR back-off); only one server exists, so
	// the second refusal closes the session.
	var ok bool
	for i := 0; i < 200; i++ {
		_, ok = s.Process(time.Now())
		if !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if ok {
		t.Fatalf("expected session to eventually terminate after exhausting retries")
	}
	if be.Counters.Retries == 0 {
		t.Fatalf("expected at least one retry to be counted")
	}
}

func TestSessionQueuesWhenServerFull(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	srv := proxy.NewServer("s1", &net.TCPAddr{Port: 9000}, 1)
	srv.Attach() // occupy the only slot
	be.Servers = []*proxy.Server{srv}
	s, _, _ := newTestSession(be)
	s.ServerSI.Ops.(*streamif.SocketOps).Dial = pipeDial

	s.Process(time.Now())
	if s.ServerSI.State != streamif.StateQUE {
		t.Fatalf("expected session to queue behind the full server, got state %v", s.ServerSI.State)
	}

	srv.Detach()
	srv.Dequeue()
	runUntil(t, s, func() bool { return s.ServerSI.State == streamif.StateEST }, time.Second)
}

func TestSessionConnectTimeoutClassifiesSrvTO(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	be.Servers = []*proxy.Server{proxy.NewServer("s1", &net.TCPAddr{Port: 9000}, 10)}
	s, reqBuf, _ := newTestSession(be)
	reqBuf.SetTimeouts(20*time.Millisecond, 0, 0)

	stop := make(chan struct{})
	defer close(stop)
	s.ServerSI.Ops.(*streamif.SocketOps).Dial = func(network, localAddr, remoteAddr string, timeout time.Duration) (net.Conn, error) {
		<-stop
		return nil, &net.OpError{Op: "dial", Err: errConnRefused{}}
	}

	var ok bool
	for i := 0; i < 100; i++ {
		_, ok = s.Process(time.Now())
		if !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if ok {
		t.Fatalf("expected session to terminate once the connect deadline passed")
	}
	if s.ErrClass != xerrors.ClassSrvTO || s.FinStage != xerrors.FinConnect {
		t.Fatalf("expected SRVTO/C, got class=%v stage=%v", s.ErrClass, s.FinStage)
	}
}

func TestSessionQueueTimeoutClassifiesSrvTO(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	be.Timeouts.Queue = 10 * time.Millisecond
	srv := proxy.NewServer("s1", &net.TCPAddr{Port: 9000}, 1)
	srv.Attach() // occupy the only slot so the session queues behind it
	be.Servers = []*proxy.Server{srv}
	s, _, _ := newTestSession(be)

	s.Process(time.Now())
	if s.ServerSI.State != streamif.StateQUE {
		t.Fatalf("expected session to queue, got %v", s.ServerSI.State)
	}

	var ok bool
	for i := 0; i < 100; i++ {
		_, ok = s.Process(time.Now())
		if !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if ok {
		t.Fatalf("expected session to terminate once the queue timeout elapsed")
	}
	if s.ErrClass != xerrors.ClassSrvTO || s.FinStage != xerrors.FinQueue {
		t.Fatalf("expected SRVTO/Q, got class=%v stage=%v", s.ErrClass, s.FinStage)
	}
}

func TestSessionAbortClassifiesPrxCond(t *testing.T) {
	be := proxy.NewProxy("be", proxy.ModeTCP)
	s, _, _ := newTestSession(be)

	s.Abort(xerrors.ClassPrxCond, xerrors.FinRequest)

	if s.ErrClass != xerrors.ClassPrxCond || s.FinStage != xerrors.FinRequest {
		t.Fatalf("expected PRXCOND/R, got class=%v stage=%v", s.ErrClass, s.FinStage)
	}
	if s.ClientSI.State != streamif.StateCLO || s.ServerSI.State != streamif.StateCLO {
		t.Fatalf("expected both SIs closed immediately")
	}

	// a later sweep must not let phaseB's generic classification overwrite
	// the protocol-level reason already recorded.
	s.Process(time.Now())
	if s.ErrClass != xerrors.ClassPrxCond {
		t.Fatalf("expected classification to stick, got %v", s.ErrClass)
	}
}
