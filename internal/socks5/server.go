package socks5

import (
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerNegotiate reads a method negotiation request and accepts "no
// authentication", the only method socksprobe speaks.
func ServerNegotiate(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if !slices.Contains(neg.Methods, MethodNone) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
