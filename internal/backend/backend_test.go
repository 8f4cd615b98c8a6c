package backend

import (
	"net"
	"testing"

	"github.com/xtaci/reverseproxy/internal/proxy"
)

func newServer(name string, port, maxConn int) *proxy.Server {
	return proxy.NewServer(name, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}, maxConn)
}

func TestSelectRoundRobinAssignsDirectly(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 10)
	s2 := newServer("s2", 9002, 10)
	p.Servers = []*proxy.Server{s1, s2}
	sel := New(p)

	outcome, srv := sel.Select(Request{SessionID: 1})
	if outcome != Assigned {
		t.Fatalf("expected Assigned, got %v", outcome)
	}
	if srv != s1 {
		t.Fatalf("expected round-robin to start at s1, got %v", srv.Name)
	}

	outcome, srv = sel.Select(Request{SessionID: 2})
	if outcome != Assigned || srv != s2 {
		t.Fatalf("expected second request to land on s2, got %v %v", outcome, srv)
	}
}

func TestSelectQueuesWhenFullButUp(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 1)
	p.Servers = []*proxy.Server{s1}
	sel := New(p)

	outcome, srv := sel.Select(Request{SessionID: 1})
	if outcome != Assigned || srv != s1 {
		t.Fatalf("expected first session assigned, got %v", outcome)
	}

	promoted := false
	outcome, srv = sel.Select(Request{SessionID: 2, Promote: func(*proxy.Server) { promoted = true }})
	if outcome != Queued || srv != s1 {
		t.Fatalf("expected second session queued on the full server, got %v", outcome)
	}
	if s1.QueueLen() != 1 {
		t.Fatalf("expected queue length 1, got %d", s1.QueueLen())
	}

	s1.Detach()
	s1.Dequeue()
	if !promoted {
		t.Fatal("expected the queued session to be promoted once room freed")
	}
}

func TestSelectReturnsNoServerAvailableWhenAllDown(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 10)
	s1.SetUp(false)
	p.Servers = []*proxy.Server{s1}
	sel := New(p)

	outcome, srv := sel.Select(Request{SessionID: 1})
	if outcome != NoServerAvailable || srv != nil {
		t.Fatalf("expected NoServerAvailable, got %v %v", outcome, srv)
	}
}

func TestSelectHonorsStickyServer(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 10)
	s2 := newServer("s2", 9002, 10)
	p.Servers = []*proxy.Server{s1, s2}
	sel := New(p)

	outcome, srv := sel.Select(Request{SessionID: 1, Sticky: s2})
	if outcome != Assigned || srv != s2 {
		t.Fatalf("expected sticky server s2 to be honored, got %v %v", outcome, srv)
	}
}

func TestSelectFallsThroughWhenStickyIsDownWithoutForcePersist(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 10)
	s2 := newServer("s2", 9002, 10)
	s2.SetUp(false)
	p.Servers = []*proxy.Server{s1, s2}
	sel := New(p)

	outcome, srv := sel.Select(Request{SessionID: 1, Sticky: s2})
	if outcome != Assigned || srv != s1 {
		t.Fatalf("expected fallback to round-robin (s1), got %v %v", outcome, srv)
	}
}

func TestRedispatchClearsStickiness(t *testing.T) {
	p := proxy.NewProxy("be1", proxy.ModeTCP)
	s1 := newServer("s1", 9001, 10)
	s2 := newServer("s2", 9002, 10)
	p.Servers = []*proxy.Server{s1, s2}
	sel := New(p)

	outcome, srv := sel.Redispatch(Request{SessionID: 1, Sticky: s2})
	if outcome != Assigned || srv != s1 {
		t.Fatalf("expected redispatch to ignore stickiness and land on s1, got %v %v", outcome, srv)
	}
}
