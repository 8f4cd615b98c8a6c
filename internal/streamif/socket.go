package streamif

import (
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

// SocketOps is the Ops implementation for a transport-backed SI (spec
// §4.2). Dialing is non-blocking from the caller's point of view only in
// the sense that it returns a typed, retryable error instead of blocking
// the whole engine; the actual dial below uses a bounded timeout.
type SocketOps struct {
	Dial func(network, localAddr, remoteAddr string, timeout time.Duration) (net.Conn, error)

	Network    string
	RemoteAddr string
	Timeout    time.Duration
}

func defaultDial(network, localAddr, remoteAddr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	if localAddr != "" {
		if la, err := net.ResolveTCPAddr(network, localAddr); err == nil {
			d.LocalAddr = la
		}
	}
	return d.Dial(network, remoteAddr)
}

// NewSocketOps returns the default socket Ops, dialing real TCP/TCPv6
// sockets. Tests substitute Dial with a net.Pipe-backed stub.
func NewSocketOps() *SocketOps {
	return &SocketOps{Dial: defaultDial}
}

func (o *SocketOps) Shutr(si *SI) {
	if si.Conn == nil {
		return
	}
	if cr, ok := si.Conn.(interface{ CloseRead() error }); ok {
		cr.CloseRead()
	}
}

func (o *SocketOps) Shutw(si *SI) {
	if si.Conn == nil {
		return
	}
	if si.Flags&FlagNoLinger != 0 {
		si.Conn.Close()
		return
	}
	if cw, ok := si.Conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// ChkRcv is a no-op for the socket variant: this package does no reads on
// Conn, so there is no receive side to re-arm (spec §4.2, §5 backpressure).
func (o *SocketOps) ChkRcv(si *SI) {}

func (o *SocketOps) ChkSnd(si *SI) {}

func (o *SocketOps) Update(si *SI) {}

// Connect dials remoteAddr, honoring SourceBind for transparent proxying:
// a fixed source address, or a port drawn from a pre-allocated range with
// at most N attempts (spec §4.2). On EINPROGRESS-equivalent behavior Go's
// net.Dial already blocks until connect completes or times out, so here we
// classify the resulting error directly rather than modeling a separate
// in-progress state.
func (o *SocketOps) Connect(si *SI) error {
	network, remoteAddr, timeout := o.Network, o.RemoteAddr, o.Timeout
	local := ""
	if sb := si.SourceBind; sb != nil {
		tries := sb.MaxTries
		if tries <= 0 {
			tries = 10
		}
		var lastErr error
		for i := 0; i < tries; i++ {
			port := sb.PortLo
			if sb.PortHi > sb.PortLo {
				port = sb.PortLo + i%(sb.PortHi-sb.PortLo+1)
			}
			addr := sb.FixedAddr
			local = net.JoinHostPort(addrString(addr), strconv.Itoa(port))
			conn, err := o.Dial(network, local, remoteAddr, timeout)
			if err == nil {
				si.Conn = conn
				si.SetState(StateEST)
				return nil
			}
			lastErr = err
			if !isAddrInUse(err) {
				break
			}
			// port conflict: release it back to the range and retry with
			// the next candidate (spec §4.2).
		}
		return classifyConnectErr(si, lastErr)
	}

	conn, err := o.Dial(network, "", remoteAddr, timeout)
	if err != nil {
		return classifyConnectErr(si, err)
	}
	si.Conn = conn
	si.SetState(StateEST)
	return nil
}

func classifyConnectErr(si *SI, err error) error {
	if err == nil {
		return nil
	}
	var t xerrors.ErrType
	switch {
	case isTimeout(err):
		t = xerrors.ErrConnTimeout
	case isRefused(err):
		t = xerrors.ErrConnRefused
	case isAddrInUse(err):
		t = xerrors.ErrNoEphemeralPort
	default:
		t = xerrors.ErrConnUnreachable
	}
	si.ErrType = t
	si.Flags |= FlagErr
	si.SetState(StateCER)
	return xerrors.Wrap(t, err, "connect()")
}

// IOHandler is a no-op for the socket variant; this package does no reads
// or writes on Conn.
func (o *SocketOps) IOHandler(si *SI) {}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func addrString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
