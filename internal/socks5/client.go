package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial negotiates no-auth on conn and issues a CONNECT for address.
func ClientDial(conn net.Conn, address string) error {
	if err := ClientNegotiate(conn); err != nil {
		return err
	}
	if err := ClientConnect(conn, address); err != nil {
		return err
	}
	return nil
}

// ClientNegotiate offers the single "no authentication" method and requires
// the server to choose it.
func ClientNegotiate(conn net.Conn) error {
	if err := WriteNegotiation(conn); err != nil {
		return err
	}
	return ReadNegotiationReply(conn)
}

// WriteNegotiation writes 05 01 00.
func WriteNegotiation(w io.Writer) error {
	if _, err := txsocks5.NewNegotiationRequest([]byte{MethodNone}).WriteTo(w); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	return nil
}

// ReadNegotiationReply reads the two byte method selection and accepts only
// 05 00.
func ReadNegotiationReply(r io.Reader) error {
	neg, err := txsocks5.NewNegotiationReplyFrom(r)
	if err != nil {
		if isNetError(err) {
			return fmt.Errorf("read negotiation: %w", err)
		}
		return fmt.Errorf("read negotiation: %w: %w", ErrVersion, err)
	}
	if neg.Ver != Version {
		return fmt.Errorf("read negotiation: %w: got %#02x", ErrVersion, neg.Ver)
	}
	if neg.Method != MethodNone {
		return fmt.Errorf("%w: server chose %#02x", ErrMethodRejected, neg.Method)
	}
	return nil
}

func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return &ReplyError{Cmd: CmdConnect, Code: rep.Rep}
	}
	return nil
}

// BindReply is one of the two notifications a proxy sends for BIND. The
// first carries the address the proxy listens on, the second the address of
// the peer that connected to it.
type BindReply struct {
	Code byte
	Addr netip.AddrPort
}

// ClientBind writes a BIND request for 0.0.0.0:port and reads the first reply.
// A port of 0 lets the proxy choose.
//
// A non-zero reply code is returned as a *ReplyError along with the reply.
func ClientBind(conn net.Conn, port uint16) (BindReply, error) {
	if err := WriteBindRequest(conn, port); err != nil {
		return BindReply{}, err
	}
	return ReadBindReply(conn)
}

// WriteBindRequest writes 05 02 00 01 00 00 00 00 followed by the big-endian
// port.
func WriteBindRequest(w io.Writer, port uint16) error {
	p := binary.BigEndian.AppendUint16(nil, port)
	if _, err := txsocks5.NewRequest(CmdBind, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, p).WriteTo(w); err != nil {
		return fmt.Errorf("write bind request: %w", err)
	}
	return nil
}

// ReadBindReply reads a single BIND reply. Network errors, including read
// deadlines, and a close before any reply byte are returned wrapped but
// otherwise untouched so callers can tell them apart from protocol violations.
//
// The reply code is checked as soon as the version and code bytes arrive, so a
// rejection is reported as a *ReplyError even when the rest of the reply is
// truncated or carries an unknown address type.
func ReadBindReply(r io.Reader) (BindReply, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if isNetError(err) || errors.Is(err, io.EOF) {
			return BindReply{}, fmt.Errorf("read bind reply: %w", err)
		}
		return BindReply{}, fmt.Errorf("read bind reply: %w: %w", ErrMalformedReply, err)
	}
	if hdr[0] != Version {
		return BindReply{}, fmt.Errorf("read bind reply: %w: version %#02x", ErrMalformedReply, hdr[0])
	}
	if hdr[1] != RepSuccess {
		return BindReply{Code: hdr[1]}, &ReplyError{Cmd: CmdBind, Code: hdr[1]}
	}

	rep, err := txsocks5.NewReplyFrom(io.MultiReader(bytes.NewReader(hdr[:]), r))
	if err != nil {
		if isNetError(err) {
			return BindReply{}, fmt.Errorf("read bind reply: %w", err)
		}
		// Any EOF here is mid-reply.
		return BindReply{}, fmt.Errorf("read bind reply: %w: %w", ErrMalformedReply, err)
	}
	if rep.Atyp != txsocks5.ATYPIPv4 || len(rep.BndAddr) != 4 || len(rep.BndPort) != 2 {
		return BindReply{}, fmt.Errorf("read bind reply: %w: address type %#02x", ErrMalformedReply, rep.Atyp)
	}

	ip := netip.AddrFrom4([4]byte(rep.BndAddr))
	return BindReply{Addr: netip.AddrPortFrom(ip, binary.BigEndian.Uint16(rep.BndPort))}, nil
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
