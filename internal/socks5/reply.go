package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// Version is the SOCKS protocol version byte.
	Version byte = 0x05

	// MethodNone is the "no authentication required" method.
	MethodNone = txsocks5.MethodNone

	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
	// CmdBind is the SOCKS5 BIND command value.
	CmdBind = txsocks5.CmdBind

	RepSuccess             = txsocks5.RepSuccess
	RepServerFailure       = txsocks5.RepServerFailure
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepConnectionRefused   = txsocks5.RepConnectionRefused
)

var (
	// ErrVersion reports a reply whose version byte is not 0x05.
	ErrVersion = errors.New("socks5: unexpected version")
	// ErrMethodRejected reports a negotiation where the server did not pick
	// "no authentication".
	ErrMethodRejected = errors.New("socks5: no acceptable method")
	// ErrMalformedReply reports a reply that is short or not an IPv4 reply.
	ErrMalformedReply = errors.New("socks5: malformed reply")
)

// ReplyError is a non-zero reply code returned by the proxy.
type ReplyError struct {
	Cmd  byte
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 %s failed: %s (%d)", cmdName(e.Cmd), ReplyText(e.Code), e.Code)
}

// ReplyText returns the RFC 1928 name of a reply code.
func ReplyText(code byte) string {
	switch code {
	case 0x00:
		return "succeeded"
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return "unassigned"
	}
}

func cmdName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	default:
		return fmt.Sprintf("command %#02x", cmd)
	}
}

// WriteReply writes a reply with code rep and a zero IPv4 bound address.
func WriteReply(conn net.Conn, rep byte) error {
	_, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(conn)
	return err
}

// WriteSuccessReply writes a SOCKS5 success reply using addr as the bound
// address.
func WriteSuccessReply(conn net.Conn, addr net.Addr) error {
	a, host, port, err := txsocks5.ParseAddress(addr.String())
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		host = host[1:]
	}
	if _, err := txsocks5.NewReply(RepSuccess, a, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
