// Package rlisten implements the listener/acceptor described in spec §4.1
// ("Listener"): binds TCP/TCPv6 sockets (including a multiport range), rate
// limits incoming accepts, and hands each accepted connection to a
// caller-supplied admit function that creates a session.
package rlisten

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// MultiPort is a parsed "host:minport[-maxport]" listen spec, grounded on
// the teacher's multiport address parser.
type MultiPort struct {
	Host    string
	MinPort int
	MaxPort int
}

var multiPortRe = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// ParseMultiPort parses "host:port" or "host:minport-maxport" into a
// MultiPort (spec §4.1, grounded on std/multiport.go: ParseMultiPort).
func ParseMultiPort(addr string) (*MultiPort, error) {
	m := multiPortRe.FindStringSubmatch(addr)
	if len(m) < 3 {
		return nil, errors.Errorf("rlisten: malformed listen address %q", addr)
	}
	minPort, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, errors.Wrapf(err, "rlisten: invalid port in %q", addr)
	}
	maxPort := minPort
	if m[3] != "" {
		maxPort, err = strconv.Atoi(m[3])
		if err != nil {
			return nil, errors.Wrapf(err, "rlisten: invalid port in %q", addr)
		}
	}
	if minPort == 0 || maxPort == 0 || minPort > maxPort || maxPort > 65535 {
		return nil, errors.Errorf("rlisten: invalid port range %d-%d in %q", minPort, maxPort, addr)
	}
	return &MultiPort{Host: m[1], MinPort: minPort, MaxPort: maxPort}, nil
}

// Listener owns one or more bound sockets for a single frontend and applies
// an accept-rate limiter before admitting a connection (spec §4.1, DOMAIN
// STACK: golang.org/x/time/rate).
type Listener struct {
	Network  string // "tcp" or "tcp6"
	Backlog  int
	limiter  *rate.Limiter
	listeners []net.Listener

	mu     sync.Mutex
	closed bool
}

// New builds a Listener for addr, which may name a single port or a
// contiguous port range. rateLimit<=0 disables throttling.
func New(network, addr string, rateLimit, burst int) (*Listener, error) {
	mp, err := ParseMultiPort(addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{Network: network}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = rateLimit
		}
		l.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		ln, err := net.Listen(network, net.JoinHostPort(mp.Host, strconv.Itoa(port)))
		if err != nil {
			l.closeAll()
			return nil, errors.Wrapf(err, "rlisten: listen on %s:%d", mp.Host, port)
		}
		l.listeners = append(l.listeners, ln)
	}
	return l, nil
}

func (l *Listener) closeAll() {
	for _, ln := range l.listeners {
		ln.Close()
	}
	l.listeners = nil
}

// Close shuts down every bound socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.closeAll()
	return nil
}

// Addrs reports the local address of each bound socket.
func (l *Listener) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Admit is invoked once per accepted connection (spec §4.1 "Listener
// accept()"); it typically builds a session and schedules it.
type Admit func(conn net.Conn)

// Serve runs accept loops for every bound socket until ctx is cancelled or
// Close is called. It blocks; call it in its own goroutine per listener set.
func (l *Listener) Serve(ctx context.Context, admit Admit) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(l.listeners))
	for _, ln := range l.listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := l.acceptLoop(ctx, ln, admit); err != nil {
				errCh <- err
			}
		}(ln)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, admit Admit) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isTemporary(err) {
				continue
			}
			return err
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				conn.Close()
				continue
			}
		}
		admit(conn)
	}
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}
