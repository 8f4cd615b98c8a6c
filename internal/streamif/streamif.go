// Package streamif implements the Stream Interface (SI) abstraction of
// spec §4.2: one endpoint of a buffer pair bound to either a socket or an
// embedded producer/consumer (spec §9 "function-pointer dispatch on SI" —
// modeled here as a tagged variant with a fixed operation table per
// variant, rather than C-style function pointers).
package streamif

import (
	"net"
	"time"

	"github.com/xtaci/reverseproxy/internal/xbuffer"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

// State is the SI state machine (spec §4.2).
type State int

const (
	StateINI State = iota
	StateREQ
	StateQUE
	StateTAR
	StateASS
	StateCON
	StateCER // transient: connection attempt just failed, retry logic decides next state
	StateEST
	StateDIS
	StateCLO
)

func (s State) String() string {
	switch s {
	case StateINI:
		return "INI"
	case StateREQ:
		return "REQ"
	case StateQUE:
		return "QUE"
	case StateTAR:
		return "TAR"
	case StateASS:
		return "ASS"
	case StateCON:
		return "CON"
	case StateCER:
		return "CER"
	case StateEST:
		return "EST"
	case StateDIS:
		return "DIS"
	case StateCLO:
		return "CLO"
	default:
		return "?"
	}
}

// Flag is the SI flag set (spec §3).
type Flag uint32

const (
	FlagDontWake Flag = 1 << iota
	FlagNoLinger
	FlagErr
	FlagExp
	FlagCapSplice
	FlagIndepStr
	FlagCapSplTCP
)

// Variant distinguishes the two concrete SI kinds named in spec §9: a
// socket-backed endpoint and an embedded internal producer/consumer (e.g. a
// canned stats-page response).
type Variant int

const (
	VariantSocket Variant = iota
	VariantEmbedded
)

// Ops is the capability table a variant supplies. Exactly one of these is
// populated per SI, selected by Variant — the Go equivalent of the C
// function-pointer table in spec §4.2/§9.
type Ops interface {
	Shutr(si *SI)
	Shutw(si *SI)
	ChkRcv(si *SI)
	ChkSnd(si *SI)
	Update(si *SI)
	Connect(si *SI) error
	// IOHandler runs one cooperative step for embedded producers; socket
	// variants return immediately (this package does no reads or writes on
	// Conn).
	IOHandler(si *SI)
}

// SI is one endpoint of a buffer pair (spec §3/§4.2).
type SI struct {
	State     State
	PrevState State
	ErrType   xerrors.ErrType
	Flags     Flag
	Exp       time.Time

	IB *xbuffer.Buffer // input buffer (reads land here)
	OB *xbuffer.Buffer // output buffer (writes drain from here)

	Variant Variant
	Ops     Ops

	Conn net.Conn // populated for VariantSocket once connected

	// SourceBind carries transparent-proxy source address binding options
	// consumed by the socket variant's Connect (spec §4.2).
	SourceBind *SourceBind
}

// SourceBind configures the local endpoint a socket-variant SI connects
// from: a fixed address, or a port drawn from a pre-allocated range with a
// bounded number of attempts (spec §4.2).
type SourceBind struct {
	FixedAddr net.IP
	PortLo    int
	PortHi    int
	MaxTries  int // recommended N=10 per spec
}

// New constructs an SI bound to the given buffer pair and variant.
func New(ib, ob *xbuffer.Buffer, variant Variant, ops Ops) *SI {
	return &SI{State: StateINI, IB: ib, OB: ob, Variant: variant, Ops: ops}
}

func (si *SI) SetState(s State) {
	si.PrevState = si.State
	si.State = s
}

// Shutr propagates a read shutdown to the bound input buffer and the
// variant (spec §4.2). NoLinger is not consulted here; the socket variant
// honours it in Shutw.
func (si *SI) Shutr() {
	if si.IB.Flags&(xbuffer.SHUTR|xbuffer.SHUTRNow) != 0 {
		return
	}
	si.IB.Flags |= xbuffer.SHUTR
	if si.Ops != nil {
		si.Ops.Shutr(si)
	}
}

func (si *SI) Shutw() {
	if si.OB.Flags&xbuffer.SHUTW != 0 {
		return
	}
	si.OB.Flags |= xbuffer.SHUTW
	if si.Ops != nil {
		si.Ops.Shutw(si)
	}
}

func (si *SI) ChkRcv() {
	if si.Ops != nil {
		si.Ops.ChkRcv(si)
	}
}

func (si *SI) ChkSnd() {
	if si.Ops != nil {
		si.Ops.ChkSnd(si)
	}
}

func (si *SI) Update() {
	if si.Ops != nil {
		si.Ops.Update(si)
	}
}

// Connect issues the connection attempt. Socket variants map the resulting
// net error to the CON/typed-error contract of spec §4.2; embedded variants
// may simply transition straight to EST.
func (si *SI) Connect() error {
	if si.Ops == nil {
		si.SetState(StateEST)
		return nil
	}
	return si.Ops.Connect(si)
}

func (si *SI) IOHandler() {
	if si.Ops != nil {
		si.Ops.IOHandler(si)
	}
}

// IsOpen reports whether the SI still owns a live transport (CON implies
// the fd is open; CLO implies it is closed, spec §8).
func (si *SI) IsOpen() bool {
	switch si.State {
	case StateCON, StateEST, StateDIS:
		return true
	default:
		return false
	}
}
