package gateway

import (
	"context"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLS 1.2 with a single mandatory cipher suite. OMA-TS-LightweightM2M-V1_0_2
// §7.1.7 Pre-Shared Keys requires TLS_PSK_WITH_AES_128_CCM_8 as the minimum
// supported suite for the PSK bootstrap/DTLS binding modes; this client
// offers nothing else, matching the teacher's fixed-suite handshake.
const dtlsHandshakeTimeout = 10 * time.Second

// DialDTLS opens a DTLS-PSK session from localAddr (the bearer supervisor's
// chosen bind address, or "" for any local address) to remoteAddr, where
// identity is the LwM2M endpoint's PSK identity (the security object's
// Public Key or Identity resource) and psk its secret key. The returned
// net.Conn is what Conn (coap.go) reads and writes — the pion session
// handles handshake, record encryption, and replay protection; this package
// never touches DTLS wire bytes directly.
func DialDTLS(ctx context.Context, localAddr, remoteAddr string, identity, psk []byte) (net.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	var laddr *net.UDPAddr
	if localAddr != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(localAddr)}
	}
	udpConn, err := net.DialUDP("udp", laddr, udpAddr)
	if err != nil {
		return nil, err
	}

	cfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: identity,
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
	}

	hsCtx, cancel := context.WithTimeout(ctx, dtlsHandshakeTimeout)
	defer cancel()

	conn, err := dtls.ClientWithContext(hsCtx, udpConn, cfg)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	return conn, nil
}
