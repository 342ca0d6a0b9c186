// Package bindcheck verifies a proxy's SOCKS5 BIND support end to end.
//
// A Verifier walks one proxy connection through negotiation, a BIND request
// and both BIND replies, while a Connector plays the external peer: it
// connects to the address from the first reply and sends a payload. The run
// passes when that payload arrives on the original proxy connection.
//
//	cfg := bindcheck.DefaultConfig()
//	cfg.Proxy = "proxy.example:1080"
//	v, err := bindcheck.New(cfg, log)
//	res, err := v.Run(ctx)
//	var be *bindcheck.Error
//	if errors.As(err, &be) {
//		fmt.Println(be.Stage, be.Code)
//	}
package bindcheck
