// Package proxy holds the static collaborators the session engine consults
// on every pass: frontend/backend Proxy objects and the Server pool they
// front (spec §3 "Proxy", "Server").
package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/xtaci/reverseproxy/internal/acl"
)

// Mode is the proxy operating mode (spec §3).
type Mode int

const (
	ModeTCP Mode = iota
	ModeHTTP
	ModeHealth
)

// SwitchingRule reassigns the backend a session is dispatched to when its
// condition matches (spec §4.5).
type SwitchingRule struct {
	Cond   *acl.Condition
	Target *Proxy
}

// StickingRule creates a mapping from a sampled key to a server; the same
// type, held in Proxy.PersistRules, consumes an existing mapping to force
// server selection (spec GLOSSARY).
type StickingRule struct {
	Cond  *acl.Condition
	Table *StickTable
}

// TCPInspectRule is one `tcp-request content {accept|reject}` directive
// (spec §6).
type TCPInspectRule struct {
	Cond   *acl.Condition
	Reject bool
}

// Timeouts bundles the per-proxy timeout configuration (spec §3).
type Timeouts struct {
	Client      time.Duration
	Server      time.Duration
	Connect     time.Duration
	Queue       time.Duration
	Inspect     time.Duration // tcp-request inspect-delay
}

// Options mirrors the per-proxy behavioral flags named in spec §3.
type Options struct {
	KeepAlive     bool
	NoLinger      bool
	AbortOnClose  bool
	Redispatch    bool
	PersistOnDown bool
	Retries       int

	// ProxyProtocol and RDPCookie gate the corresponding optional analysers
	// (spec §6 SUPPLEMENTED FEATURES): neither is assumed enabled, since a
	// plain TCP client speaks neither preamble unannounced.
	ProxyProtocol bool
	RDPCookie     bool
}

// Counters are the per-proxy counters spec §7 says get incremented at the
// single site that decides "this is fatal".
type Counters struct {
	mu          sync.Mutex
	FailedReq   int64
	FailedConns int64
	DeniedReq   int64
	CliAborts   int64
	SrvAborts   int64
	Retries     int64
	Redispatch  int64
	CurConns    int64
	TotalConns  int64
}

func (c *Counters) Inc(p *int64) {
	c.mu.Lock()
	*p++
	c.mu.Unlock()
}

// Dec decrements a counter such as CurConns when a session leaves.
func (c *Counters) Dec(p *int64) {
	c.mu.Lock()
	*p--
	c.mu.Unlock()
}

// Proxy is the static collaborator described in spec §3: it plays the
// frontend role (owns listeners, ACLs, switching rules, inspect rules) and
// the backend role (owns a server pool, sticking/persistence rules) — the
// same object frequently plays both, per GLOSSARY.
type Proxy struct {
	Name string
	Mode Mode

	Options  Options
	Timeouts Timeouts

	ACLs           map[string]*acl.Expression
	SwitchingRules []SwitchingRule
	InspectRules   []TCPInspectRule
	StickingRules  []StickingRule
	PersistRules   []StickingRule

	Servers []*Server

	Counters Counters

	mu       sync.Mutex
	rrCursor int
}

// NewProxy constructs an empty proxy in the given mode.
func NewProxy(name string, mode Mode) *Proxy {
	return &Proxy{Name: name, Mode: mode, ACLs: map[string]*acl.Expression{}}
}

// Server is a connection target (spec §3).
type Server struct {
	Name    string
	Addr    net.Addr
	MaxConn int
	Retries int
	Weight  int

	// SourceIface optionally binds outbound connections to a specific
	// interface/address (spec §3 "optional interface binding").
	SourceIface string

	mu        sync.Mutex
	up        bool
	curSess   int
	served    int64
	queue     []QueuedEntry
}

// QueuedEntry tracks one session waiting in a server's (or backend's)
// queue, ordered FIFO (spec §4.6).
type QueuedEntry struct {
	SessionID uint64
	Enqueued  time.Time
	Promote   func() // invoked by Dequeue to transition the session QUE->ASS
}

func NewServer(name string, addr net.Addr, maxConn int) *Server {
	return &Server{Name: name, Addr: addr, up: true, MaxConn: maxConn}
}

func (s *Server) IsUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// SetUp is fed by the external health-check subsystem; only the
// "server is up/down" signal crosses into the core (spec §1).
func (s *Server) SetUp(up bool) {
	s.mu.Lock()
	s.up = up
	s.mu.Unlock()
}

func (s *Server) CurSess() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSess
}

func (s *Server) Served() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func (s *Server) Attach() {
	s.mu.Lock()
	s.curSess++
	s.served++
	s.mu.Unlock()
}

func (s *Server) Detach() {
	s.mu.Lock()
	if s.curSess > 0 {
		s.curSess--
	}
	s.mu.Unlock()
}

// HasRoom reports whether the server can accept one more direct session
// without queueing (spec §4.6).
func (s *Server) HasRoom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MaxConn <= 0 || s.curSess < s.MaxConn
}

// Enqueue appends a waiting session to this server's queue (spec §4.6).
func (s *Server) Enqueue(e QueuedEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, e)
	return len(s.queue)
}

// Dequeue promotes the next queued session once room is available,
// externally driven whenever a session leaves the server (spec §4.6).
func (s *Server) Dequeue() {
	s.mu.Lock()
	if len(s.queue) == 0 || !(s.MaxConn <= 0 || s.curSess < s.MaxConn) {
		s.mu.Unlock()
		return
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	if e.Promote != nil {
		e.Promote()
	}
}

func (s *Server) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextUp performs one round-robin scan of the server pool starting just
// after the last server it returned, and returns the first server that is
// both up and has room for a direct session (spec §1: load-balancing
// algorithm selection stays external/pluggable; round-robin is this
// engine's concrete default so the backend selector has something to call).
// Returns nil if no server currently qualifies.
func (p *Proxy) NextUp() *Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.Servers)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (p.rrCursor + i) % n
		srv := p.Servers[idx]
		if srv.IsUp() && srv.HasRoom() {
			p.rrCursor = (idx + 1) % n
			return srv
		}
	}
	return nil
}

// AnyUp reports whether at least one server in the pool is up, regardless
// of room (used to distinguish "queue" from "no backend available").
func (p *Proxy) AnyUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, srv := range p.Servers {
		if srv.IsUp() {
			return true
		}
	}
	return false
}

// StickTable is a minimal key->server map backing sticking/persistence
// rules (spec GLOSSARY). LB algorithm selection itself remains external per
// spec §1; this only records/consumes the mapping.
type StickTable struct {
	mu      sync.Mutex
	entries map[string]*Server
}

func NewStickTable() *StickTable {
	return &StickTable{entries: map[string]*Server{}}
}

func (t *StickTable) Set(key string, s *Server) {
	t.mu.Lock()
	if t.entries == nil {
		t.entries = map[string]*Server{}
	}
	t.entries[key] = s
	t.mu.Unlock()
}

func (t *StickTable) Get(key string) (*Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[key]
	return s, ok
}
