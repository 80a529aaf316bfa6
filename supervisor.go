package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoNetwork is returned by Supervisor.Run when every preferred bearer's
// candidate addresses have been exhausted with no usable interface. spec
// §4.8 step 3, mapped to the ENONET exit code by cmd/ig60-lwm2md.
var ErrNoNetwork = errors.New("no network interface available")

// ErrSoftwareActivation signals the dedicated "software-install activation"
// exit path spec §4.8 calls out as distinct from a bearer-change restart:
// the supervisor exits cleanly so an external manager can swap the binary.
var ErrSoftwareActivation = errors.New("software activation requested")

// Supervisor is the bearer-selection loop (C8): it enumerates network
// interfaces per the Object 13 preference list, binds a CoAP endpoint to
// one, and runs bootstrap+registration until the client restarts or fails.
type Supervisor struct {
	cfg     *Config
	netInfo NetworkInfo
	metrics *Metrics
	deps    TreeDeps

	restartCh     chan struct{}
	activateCh    chan struct{}
	currentBearer atomic.Int64
}

// NewSupervisor builds a Supervisor. deps is used to build a fresh object
// tree on every pass of the supervisor loop (runOnce), so dynamic objects
// (Wi-Fi profiles) reflect current platform state and Object 13's
// bearer-write hook is wired against the tree instance actually in use.
// deps.Net and netInfo must agree; netInfo drives candidate enumeration, deps.Net backs
// Object 4/10/11.
func NewSupervisor(cfg *Config, netInfo NetworkInfo, metrics *Metrics, deps TreeDeps) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		netInfo:    netInfo,
		metrics:    metrics,
		deps:       deps,
		restartCh:  make(chan struct{}, 1),
		activateCh: make(chan struct{}, 1),
	}
}

// SignalBearerChanged is wired as the internal observer on /13/0/0 (spec
// §4.8 "A write to the bearer resource stops the running client"); it is
// also exposed for a software activation to request exit via
// SignalActivate instead.
func (s *Supervisor) SignalBearerChanged() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// SignalActivate requests the dedicated software-install exit path.
func (s *Supervisor) SignalActivate() {
	select {
	case s.activateCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) bearerCodeFn() bearerCode {
	return bearerCode(s.currentBearer.Load())
}

// Run drives the supervisor loop until a fatal condition or ctx
// cancellation. spec §4.8.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		ran, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return ErrNoNetwork
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// runOnce attempts every candidate address in preference order once. A
// session that fails with a protocol error falls through to the next
// candidate. It returns ran=true once a session ends cleanly (a reason to
// loop back to runOnce), ran=false when no candidate produced such a
// session, and a non-nil error only for ErrSoftwareActivation or ctx
// cancellation.
func (s *Supervisor) runOnce(ctx context.Context) (ran bool, err error) {
	block := NewBlockEngine()
	block.Metrics = s.metrics
	tree := BuildObjectTree(s.deps, block, s.bearerCodeFn)

	if obj, ok := tree.Object(13); ok {
		if inst, ok := obj.Instance(0); ok {
			if _, ok := inst.Resource(0); ok {
				tree.RegisterObserver(&Observer{
					Path: ResourcePath(13, 0, 0),
					Send: func([]byte) { s.SignalBearerChanged() },
				})
			}
		}
	}

	preferences := ReadBearerPreferences(tree)
	for _, bearer := range preferences {
		for _, conn := range s.netInfo.AvailableConnections() {
			if !bearerMatchesInterface(bearer, conn.Interface) {
				continue
			}
			for _, addr := range conn.IPv4 {
				ranSession, sessionErr := s.runSession(ctx, tree, block, bearer, addr)
				if errors.Is(sessionErr, ErrSoftwareActivation) {
					return true, ErrSoftwareActivation
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ranSession, ctxErr
				}
				if sessionErr != nil {
					log.Warn().Str("component", "supervisor").Str("addr", addr).Err(sessionErr).Msg("session failed, trying next candidate")
					continue
				}
				if ranSession {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func bearerMatchesInterface(bearer bearerCode, iface string) bool {
	switch bearer {
	case bearerEthernet:
		return len(iface) >= 3 && iface[:3] == "eth"
	case bearerWLAN:
		return len(iface) >= 4 && iface[:4] == "wlan"
	case bearerLTE:
		return (len(iface) >= 3 && iface[:3] == "usb") || (len(iface) >= 4 && iface[:4] == "wwan")
	default:
		return false
	}
}

// runSession binds a CoAP endpoint to addr, runs bootstrap (if configured)
// and registration, and blocks until the session ends. A true, nil return
// means the supervisor should re-evaluate bearer preferences (bearer-change
// restart, spec §4.8 step 2e); false with a non-nil protocol error means
// the caller should fall through to the next candidate (step 2f).
func (s *Supervisor) runSession(ctx context.Context, tree *Tree, block *BlockEngine, bearer bearerCode, addr string) (bool, error) {
	s.currentBearer.Store(int64(bearer))

	endpoint := s.cfg.Endpoint
	lifetime := s.cfg.Lifetime
	serverAddr := s.cfg.ServerAddress
	serverPort := s.cfg.ServerPort
	serverPSK := s.cfg.ServerPSK

	var conn *Conn
	var site *Site

	if s.cfg.BootstrapAddress != "" {
		bsNetConn, err := dialPeer(ctx, addr, s.cfg.Port, s.cfg.BootstrapAddress, s.cfg.BootstrapPort, endpoint, s.cfg.BootstrapPSK)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransportError, err)
		}
		conn = NewConn(bsNetConn, func(msg *CoapMessage) {
			if site != nil {
				site.Handle(msg)
			}
		})
		conn.Metrics = s.metrics
		site = NewSite(tree, block, conn)

		bsCtx, bsCancel := context.WithTimeout(ctx, bootstrapRequestTimeout)
		result, err := Bootstrap(bsCtx, conn, endpoint, tree, site)
		bsCancel()
		conn.Close()
		if err != nil {
			return false, err
		}
		if result.Lifetime > 0 {
			lifetime = result.Lifetime
		}
		serverAddr, serverPort, err = splitHostPort(result.ServerURI)
		if err != nil {
			return false, err
		}
		serverPSK = hex.EncodeToString(result.ServerPSK)
	}

	srvNetConn, err := dialPeer(ctx, addr, s.cfg.Port, serverAddr, serverPort, endpoint, serverPSK)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	site = nil
	conn = NewConn(srvNetConn, func(msg *CoapMessage) {
		if site != nil {
			site.Handle(msg)
		}
	})
	conn.Metrics = s.metrics
	defer conn.Close()
	site = NewSite(tree, block, conn)

	registration := NewRegistration(conn, tree, endpoint, lifetime)
	if err := registration.Register(ctx); err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.Registrations.Inc()
	}
	log.Info().Str("component", "supervisor").Str("addr", addr).Int("bearer", int(bearer)).Msg("session started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- registration.Run(runCtx) }()
	go runDeviceTimeTick(runCtx, tree)

	select {
	case <-ctx.Done():
		return false, nil
	case <-s.restartCh:
		cancel()
		<-done
		if s.metrics != nil {
			s.metrics.BearerRestarts.Inc()
		}
		return true, nil
	case <-s.activateCh:
		cancel()
		<-done
		return false, ErrSoftwareActivation
	case err := <-done:
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

// runDeviceTimeTick is the time-tick task named in spec §5: it re-renders
// Object 3's current-time resource once a second until runCtx is cancelled,
// and piggybacks Object 4's connectivity-monitoring re-read on the same
// tick (SPEC_FULL's Object 4 supplement).
func runDeviceTimeTick(runCtx context.Context, tree *Tree) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			TickDeviceTime(tree)
			TickConnectivityMonitoring(tree)
		}
	}
}

// dialPeer opens the transport for one CoAP peer (the bootstrap or LwM2M
// server), bound locally to localAddr (the bearer the supervisor selected).
// A non-empty pskHex selects DTLS-PSK (spec §6 "DTLS credentials"); an empty
// one is a plain UDP socket, matching a coap:// deployment.
func dialPeer(ctx context.Context, localAddr string, localPort int, remoteHost string, remotePort int, endpoint, pskHex string) (net.Conn, error) {
	remote := net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort))
	if pskHex == "" {
		raddr, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, err
		}
		laddr := &net.UDPAddr{IP: net.ParseIP(localAddr), Port: localPort}
		return net.DialUDP("udp", laddr, raddr)
	}
	psk, err := hex.DecodeString(pskHex)
	if err != nil {
		return nil, fmt.Errorf("bad PSK hex: %w", err)
	}
	return DialDTLS(ctx, localAddr, remote, []byte(endpoint), psk)
}

func splitHostPort(uri string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(stripScheme(uri))
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad server URI %q: %v", ErrBootstrapFailed, uri, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("%w: bad server port in %q", ErrBootstrapFailed, uri)
	}
	return host, port, nil
}

func stripScheme(uri string) string {
	for _, prefix := range []string{"coap://", "coaps://"} {
		if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
			return uri[len(prefix):]
		}
	}
	return uri
}
