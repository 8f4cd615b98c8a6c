// Package xerrors defines the typed error taxonomy the session engine
// surfaces instead of paraphrased strings (spec §7): transport, resource,
// protocol, policy and peer errors, plus the per-session error-class and
// finish-stage enumerations used at logging time.
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the broad category of a typed error, independent of where in the
// pipeline it was raised.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindResource
	KindProtocol
	KindPolicy
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindPeer:
		return "peer"
	default:
		return "none"
	}
}

// ErrType enumerates the concrete error that can be recorded on a stream
// interface's err_type field.
type ErrType int

const (
	ErrNone ErrType = iota
	ErrConnRefused
	ErrConnUnreachable
	ErrConnTimeout
	ErrNoEphemeralPort
	ErrNoFD
	ErrNoMemory
	ErrListenerSaturated
	ErrQueueFull
	ErrPreambleMalformed
	ErrInspectRejected
	ErrBodyTooLarge
	ErrSSLRecordMalformed
	ErrACLDenied
	ErrPersistAbsent
	ErrClientIO
	ErrServerIO
	ErrPeerHalfClose
)

var kindOf = map[ErrType]Kind{
	ErrConnRefused:        KindTransport,
	ErrConnUnreachable:    KindTransport,
	ErrConnTimeout:        KindTransport,
	ErrNoEphemeralPort:    KindResource,
	ErrNoFD:               KindResource,
	ErrNoMemory:           KindResource,
	ErrListenerSaturated:  KindResource,
	ErrQueueFull:          KindResource,
	ErrPreambleMalformed:  KindProtocol,
	ErrInspectRejected:    KindProtocol,
	ErrBodyTooLarge:       KindProtocol,
	ErrSSLRecordMalformed: KindProtocol,
	ErrACLDenied:          KindPolicy,
	ErrPersistAbsent:      KindPolicy,
	ErrClientIO:           KindPeer,
	ErrServerIO:           KindPeer,
	ErrPeerHalfClose:      KindPeer,
}

// Kind reports the broad category for a concrete error type.
func (e ErrType) Kind() Kind {
	if k, ok := kindOf[e]; ok {
		return k
	}
	return KindNone
}

func (e ErrType) String() string {
	switch e {
	case ErrConnRefused:
		return "connection refused"
	case ErrConnUnreachable:
		return "connection unreachable"
	case ErrConnTimeout:
		return "connect timed out"
	case ErrNoEphemeralPort:
		return "no ephemeral source port available"
	case ErrNoFD:
		return "no file descriptor available"
	case ErrNoMemory:
		return "out of memory"
	case ErrListenerSaturated:
		return "listener saturated"
	case ErrQueueFull:
		return "server queue full"
	case ErrPreambleMalformed:
		return "malformed preamble"
	case ErrInspectRejected:
		return "rejected by inspect rule"
	case ErrBodyTooLarge:
		return "body too large"
	case ErrSSLRecordMalformed:
		return "malformed SSL record"
	case ErrACLDenied:
		return "denied by ACL condition"
	case ErrPersistAbsent:
		return "persistence referenced an absent server"
	case ErrClientIO:
		return "client read/write error"
	case ErrServerIO:
		return "server read/write error"
	case ErrPeerHalfClose:
		return "unexpected peer half-close"
	default:
		return "none"
	}
}

// Error wraps an ErrType with wrapped context via github.com/pkg/errors, the
// way the teacher wraps dial/listen failures ("dial()", "tcpraw.Listen()").
type Error struct {
	Type  ErrType
	cause error
}

func New(t ErrType, context string) error {
	return &Error{Type: t, cause: errors.New(fmt.Sprintf("%s: %s", context, t))}
}

func Wrap(t ErrType, err error, context string) error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, cause: errors.Wrap(err, context)}
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// As reports whether err carries a typed Error and, if so, its ErrType.
func As(err error) (ErrType, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Type, true
	}
	return ErrNone, false
}

// ErrClass is the session-level termination error class (spec §6).
type ErrClass int

const (
	ClassNone ErrClass = iota
	ClassCliCl
	ClassSrvCl
	ClassCliTO
	ClassSrvTO
	ClassPrxCond
	ClassResource
	ClassInternal
)

func (c ErrClass) String() string {
	switch c {
	case ClassCliCl:
		return "CLICL"
	case ClassSrvCl:
		return "SRVCL"
	case ClassCliTO:
		return "CLITO"
	case ClassSrvTO:
		return "SRVTO"
	case ClassPrxCond:
		return "PRXCOND"
	case ClassResource:
		return "RESOURCE"
	case ClassInternal:
		return "INTERNAL"
	default:
		return "NONE"
	}
}

// FinStage is the session-level finish stage (spec §6).
type FinStage int

const (
	FinNone FinStage = iota
	FinRequest
	FinQueue
	FinConnect
	FinHeaders
	FinData
	FinLast
)

func (f FinStage) String() string {
	switch f {
	case FinRequest:
		return "R"
	case FinQueue:
		return "Q"
	case FinConnect:
		return "C"
	case FinHeaders:
		return "H"
	case FinData:
		return "D"
	case FinLast:
		return "L"
	default:
		return ""
	}
}

// ClassFor maps a Kind to the session-level error class used for logging.
// Fine-grained distinctions (e.g. which side timed out) are supplied by the
// caller, which already knows which SI raised the error.
func ClassFor(k Kind, clientSide bool) ErrClass {
	switch k {
	case KindTransport:
		if clientSide {
			return ClassCliTO
		}
		return ClassSrvTO
	case KindProtocol, KindPolicy:
		return ClassPrxCond
	case KindResource:
		return ClassResource
	case KindPeer:
		if clientSide {
			return ClassCliCl
		}
		return ClassSrvCl
	default:
		return ClassInternal
	}
}
