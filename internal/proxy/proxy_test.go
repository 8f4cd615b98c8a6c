package proxy

import (
	"net"
	"testing"
)

func TestServerHasRoomAndAttach(t *testing.T) {
	s := NewServer("s1", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8000}, 2)
	if !s.HasRoom() {
		t.Fatal("expected room on a fresh server")
	}
	s.Attach()
	s.Attach()
	if s.HasRoom() {
		t.Fatal("expected no room once MaxConn sessions are attached")
	}
	if s.CurSess() != 2 {
		t.Fatalf("expected CurSess=2, got %d", s.CurSess())
	}
	if s.Served() != 2 {
		t.Fatalf("expected Served=2, got %d", s.Served())
	}
	s.Detach()
	if !s.HasRoom() {
		t.Fatal("expected room again after detach")
	}
}

func TestServerUnlimitedMaxConn(t *testing.T) {
	s := NewServer("s1", &net.TCPAddr{Port: 8000}, 0)
	for i := 0; i < 100; i++ {
		s.Attach()
	}
	if !s.HasRoom() {
		t.Fatal("MaxConn<=0 means unlimited room")
	}
}

func TestServerQueueFIFOAndDequeueOnRoom(t *testing.T) {
	s := NewServer("s1", &net.TCPAddr{Port: 8000}, 1)
	s.Attach() // fill the only slot

	promoted := []int{}
	s.Enqueue(QueuedEntry{SessionID: 1, Promote: func() { promoted = append(promoted, 1) }})
	s.Enqueue(QueuedEntry{SessionID: 2, Promote: func() { promoted = append(promoted, 2) }})
	if s.QueueLen() != 2 {
		t.Fatalf("expected queue length 2, got %d", s.QueueLen())
	}

	// no room yet: dequeue is a no-op
	s.Dequeue()
	if len(promoted) != 0 {
		t.Fatalf("expected no promotion while server is full, got %v", promoted)
	}

	s.Detach() // frees the slot
	s.Dequeue()
	if len(promoted) != 1 || promoted[0] != 1 {
		t.Fatalf("expected session 1 promoted first (FIFO), got %v", promoted)
	}
	if s.QueueLen() != 1 {
		t.Fatalf("expected one entry left in queue, got %d", s.QueueLen())
	}
}

func TestServerUpDown(t *testing.T) {
	s := NewServer("s1", &net.TCPAddr{Port: 8000}, 1)
	if !s.IsUp() {
		t.Fatal("expected server to start up")
	}
	s.SetUp(false)
	if s.IsUp() {
		t.Fatal("expected server marked down")
	}
}

func TestStickTableSetGet(t *testing.T) {
	tbl := NewStickTable()
	s := NewServer("s1", &net.TCPAddr{Port: 8000}, 1)
	tbl.Set("client-a", s)
	got, ok := tbl.Get("client-a")
	if !ok || got != s {
		t.Fatalf("expected to retrieve bound server, got %v ok=%v", got, ok)
	}
	if _, ok := tbl.Get("client-b"); ok {
		t.Fatal("expected miss for unset key")
	}
}

func TestCountersIncrementIsSynchronized(t *testing.T) {
	p := NewProxy("fe1", ModeTCP)
	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			p.Counters.Inc(&p.Counters.FailedReq)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if p.Counters.FailedReq != n {
		t.Fatalf("expected FailedReq=%d, got %d", n, p.Counters.FailedReq)
	}
}
