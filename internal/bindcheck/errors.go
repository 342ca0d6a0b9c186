package bindcheck

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is a step of the BIND exchange.
type Stage int

const (
	StageConnecting Stage = iota
	StageNegotiating
	StageAwaitMethodReply
	StageSendBindRequest
	StageAwaitFirstBindReply
	StageWaitForPeerConnection
	StageAwaitSecondBindReply
	StageRelayReceive
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageConnecting:
		return "connecting"
	case StageNegotiating:
		return "negotiating"
	case StageAwaitMethodReply:
		return "await method reply"
	case StageSendBindRequest:
		return "send bind request"
	case StageAwaitFirstBindReply:
		return "await first bind reply"
	case StageWaitForPeerConnection:
		return "wait for peer connection"
	case StageAwaitSecondBindReply:
		return "await second bind reply"
	case StageRelayReceive:
		return "relay receive"
	case StageClosed:
		return "closed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Failure kinds. Match them with errors.Is against an *Error.
var (
	ErrConnect        = errors.New("connect error")
	ErrHandshake      = errors.New("handshake failed")
	ErrTransport      = errors.New("transport error")
	ErrBindRejected   = errors.New("bind request rejected")
	ErrMalformedReply = errors.New("malformed reply")
	ErrPeerTimeout    = errors.New("peer never connected")
	ErrRelayMismatch  = errors.New("relayed payload mismatch")
)

// Error is a failed verification: the stage it stopped at, its kind and the
// underlying cause. Code is the proxy's reply code for ErrBindRejected.
type Error struct {
	Stage Stage
	Kind  error
	Code  byte
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Stage.String())
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if errors.Is(e.Kind, ErrBindRejected) {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
