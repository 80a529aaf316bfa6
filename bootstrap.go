package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// BootstrapState is the client bootstrap state machine. spec §4.5.
type BootstrapState int

const (
	BootstrapNone BootstrapState = iota
	BootstrapRequestSent
	BootstrapWriting
	BootstrapFinished
	BootstrapRegistering
)

func (s BootstrapState) String() string {
	switch s {
	case BootstrapNone:
		return "NONE"
	case BootstrapRequestSent:
		return "REQUEST_SENT"
	case BootstrapWriting:
		return "WRITING"
	case BootstrapFinished:
		return "FINISHED"
	case BootstrapRegistering:
		return "REGISTERING"
	default:
		return "UNKNOWN"
	}
}

// BootstrapResult carries what the client learned about its server from a
// bootstrap session: the server URI and PSK written to Security (Object 0)
// resources 0 and 5, and an optional lifetime override from Server
// (Object 1) resource 1.
type BootstrapResult struct {
	ServerURI string
	ServerPSK []byte
	Lifetime  int
}

// Bootstrap drives one bootstrap session against bsAddr: send the request,
// serve DELETE/PUT on Objects 0/1 and the /bs finish signal via site, then
// read back the resources the server wrote. It blocks until FINISHED
// arrives or ctx is cancelled.
func Bootstrap(ctx context.Context, conn *Conn, endpoint string, tree *Tree, site *Site) (*BootstrapResult, error) {
	state := BootstrapRequestSent
	log.Info().Str("component", "bootstrap").Str("state", state.String()).Msg("sending bootstrap request")

	id := conn.Request(CoapCodePost, append(PathOptions("bs"), CoapOption{No: OptionURIQuery, Value: []byte("ep=" + endpoint)}), nil)
	ch := conn.AwaitResponse(id)

	select {
	case <-ctx.Done():
		conn.CancelResponse(id)
		return nil, fmt.Errorf("%w: bootstrap request: %v", ErrBootstrapFailed, ctx.Err())
	case resp := <-ch:
		if resp.Code != CoapCodeChanged {
			return nil, fmt.Errorf("%w: bootstrap request returned %v", ErrBootstrapFailed, resp.Code)
		}
	}

	state = BootstrapWriting
	log.Info().Str("component", "bootstrap").Str("state", state.String()).Msg("awaiting server writes")

	finished := make(chan struct{})
	site.OnBootstrapFinish = func() { close(finished) }

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: bootstrap writing: %v", ErrBootstrapFailed, ctx.Err())
	case <-finished:
	}

	state = BootstrapFinished
	log.Info().Str("component", "bootstrap").Str("state", state.String()).Msg("bootstrap finished, reading credentials")

	result, err := readBootstrapResult(tree)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func readBootstrapResult(tree *Tree) (*BootstrapResult, error) {
	uriVal, err := tree.Get(ResourcePath(0, 1, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: reading server URI: %v", ErrBootstrapFailed, err)
	}
	_, _, uriBytes, _, err := DecodeTLV(uriVal)
	if err != nil {
		return nil, err
	}
	uriValue, err := DecodeValue(KindString, uriBytes)
	if err != nil {
		return nil, err
	}

	pskVal, err := tree.Get(ResourcePath(0, 1, 5))
	if err != nil {
		return nil, fmt.Errorf("%w: reading server PSK: %v", ErrBootstrapFailed, err)
	}
	_, _, pskBytes, _, err := DecodeTLV(pskVal)
	if err != nil {
		return nil, err
	}
	pskValue, err := DecodeValue(KindOpaque, pskBytes)
	if err != nil {
		return nil, err
	}

	result := &BootstrapResult{ServerURI: uriValue.Str, ServerPSK: pskValue.Opaque}

	if lifetimeVal, err := tree.Get(ResourcePath(1, 0, 1)); err == nil {
		if _, _, b, _, err := DecodeTLV(lifetimeVal); err == nil {
			if v, err := DecodeValue(KindInteger, b); err == nil && v.Int > 0 {
				result.Lifetime = int(v.Int)
			}
		}
	}
	return result, nil
}

// DefaultSecurityInstance and DefaultServerInstance rebuild Objects 0 and 1
// to their post-bootstrap-reset shape: one empty server instance each, at
// index 1 and 0 respectively, per spec §3 invariant. Bootstrap's DELETE
// /0 and /1 calls these via BaseObject.Defaults.
func DefaultSecurityInstance() map[InstanceID]*ObjectInstance {
	return map[InstanceID]*ObjectInstance{
		1: NewObjectInstance(map[ResourceID]*Resource{
			0: NewSingleResource(KindString, StringValue(""), OpRead|OpWrite),    // LWM2M Server URI
			1: NewSingleResource(KindBoolean, BoolValue(false), OpRead|OpWrite),  // Bootstrap Server
			2: NewSingleResource(KindInteger, IntValue(0), OpRead|OpWrite),       // Security Mode
			3: NewSingleResource(KindOpaque, OpaqueValue(nil), OpRead|OpWrite),   // Public Key / Identity
			4: NewSingleResource(KindOpaque, OpaqueValue(nil), OpRead|OpWrite),   // Server Public Key
			5: NewSingleResource(KindOpaque, OpaqueValue(nil), OpRead|OpWrite),   // Secret Key (PSK)
			10: NewSingleResource(KindInteger, IntValue(0), OpRead|OpWrite),      // Short Server ID
		}),
	}
}

func DefaultServerInstance() map[InstanceID]*ObjectInstance {
	return map[InstanceID]*ObjectInstance{
		0: NewObjectInstance(map[ResourceID]*Resource{
			0: NewSingleResource(KindInteger, IntValue(0), OpRead|OpWrite),   // Short Server ID
			1: NewSingleResource(KindInteger, IntValue(86400), OpRead|OpWrite), // Lifetime
			6: NewSingleResource(KindBoolean, BoolValue(false), OpRead|OpWrite), // Notification Storing
			7: NewSingleResource(KindString, StringValue("U"), OpRead|OpWrite),  // Binding
		}),
	}
}

const bootstrapRequestTimeout = 30 * time.Second
