// Package backend implements the backend selector of spec §4.6: given a
// session, choose a server respecting stickiness, persistence, queueing,
// retries and redispatch. Load-balancing algorithm selection itself is
// pluggable per spec §1 Non-goals; Select's default concrete algorithm is
// the proxy's round-robin scan (proxy.Proxy.NextUp).
package backend

import (
	"github.com/xtaci/reverseproxy/internal/proxy"
)

// Outcome is the result of one Select call (spec §4.6).
type Outcome int

const (
	Assigned Outcome = iota
	Queued
	NoServerAvailable
)

// Request carries everything the selector needs to know about one
// assignment attempt (spec §4.6, §3 "retry counter, queue position").
type Request struct {
	SessionID uint64

	// Sticky is the server a prior sticking rule or RDP-cookie persistence
	// analyser bound this session to, if any (spec GLOSSARY).
	Sticky *proxy.Server

	// ForcePersist mirrors the proxy's PersistOnDown option OR a per-request
	// FORCE_PRST marker: honour Sticky even if it is currently down (spec
	// §4.6 "Persistence: ... honour it only if PERSIST or FORCE_PRST is
	// set").
	ForcePersist bool

	// Promote is invoked by the server/proxy queue once room frees up; it
	// must transition the session's server-side SI from QUE to ASS (spec
	// §4.6 "promoting transitions the target session's SI from QUE to ASS").
	Promote func(srv *proxy.Server)
}

// Selector chooses a server for a session against one backend Proxy.
type Selector struct {
	Backend *proxy.Proxy
}

func New(p *proxy.Proxy) *Selector {
	return &Selector{Backend: p}
}

// Select implements spec §4.6: prefer a sticky/persistent server when
// eligible, otherwise round-robin; queue when the target has no room but is
// up, and report NoServerAvailable only when nothing in the pool is up at
// all (the caller maps that to a typed resource/policy error and a CLO
// transition per spec §4.3 Phase C).
func (s *Selector) Select(req Request) (Outcome, *proxy.Server) {
	if req.Sticky != nil {
		if req.Sticky.IsUp() {
			return s.assignOrQueue(req.Sticky, req)
		}
		if req.ForcePersist {
			// honour the down server anyway: it will be queued (or, in
			// practice, left to fail its own connect — the session FSM's
			// retry/redispatch path handles draining a persistently-down
			// target, per spec §4.6).
			return s.assignOrQueue(req.Sticky, req)
		}
		// persistence declined: fall through to normal load-balancing.
	}

	srv := s.Backend.NextUp()
	if srv != nil {
		srv.Attach()
		return Assigned, srv
	}
	if s.Backend.AnyUp() {
		// every up server is momentarily full: queue against the first one
		// found up (spec §4.6 "enqueue on the server's or backend's queue").
		for _, candidate := range s.Backend.Servers {
			if candidate.IsUp() {
				s.enqueue(candidate, req)
				return Queued, candidate
			}
		}
	}
	return NoServerAvailable, nil
}

func (s *Selector) assignOrQueue(srv *proxy.Server, req Request) (Outcome, *proxy.Server) {
	if srv.HasRoom() {
		srv.Attach()
		return Assigned, srv
	}
	s.enqueue(srv, req)
	return Queued, srv
}

func (s *Selector) enqueue(srv *proxy.Server, req Request) {
	promote := func() {
		srv.Attach()
		if req.Promote != nil {
			req.Promote(srv)
		}
	}
	srv.Enqueue(proxy.QueuedEntry{SessionID: req.SessionID, Promote: promote})
}

// Redispatch clears any server affinity and re-enters Select as if this
// were a fresh request (spec §4.6 "the selector is re-entered with srv
// cleared"). It is a thin wrapper documenting intent; callers may just call
// Select again with Sticky=nil.
func (s *Selector) Redispatch(req Request) (Outcome, *proxy.Server) {
	req.Sticky = nil
	req.ForcePersist = false
	return s.Select(req)
}
