package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registration drives the `/rd` POST/refresh lifecycle (C6) against an
// already-registered Tree and Conn.
type Registration struct {
	conn     *Conn
	tree     *Tree
	endpoint string
	lifetime int

	token        string
	topologyCh   chan struct{}
	correlation  string
}

// NewRegistration builds a registration driver. endpoint and lifetime are
// the `ep`/`lt` query parameters; lifetime is in seconds.
func NewRegistration(conn *Conn, tree *Tree, endpoint string, lifetime int) *Registration {
	r := &Registration{
		conn:        conn,
		tree:        tree,
		endpoint:    endpoint,
		lifetime:    lifetime,
		topologyCh:  make(chan struct{}, 1),
		correlation: uuid.NewString(),
	}
	for _, obj := range tree.objects {
		obj.OnTopologyChange = r.signalTopologyChange
	}
	return r
}

func (r *Registration) signalTopologyChange() {
	select {
	case r.topologyCh <- struct{}{}:
	default:
	}
}

// linkPayload renders the tree's object-instance links for the `/rd` POST
// body: "</O/I>,</O/I>,...", with zero-instance objects listed as "</O>".
// spec §4.6.
func (r *Registration) linkPayload() []byte {
	var links []string
	for _, oid := range r.tree.ObjectIDs() {
		obj, _ := r.tree.Object(oid)
		ids := obj.InstanceIDs()
		if len(ids) == 0 {
			links = append(links, fmt.Sprintf("</%d>", oid))
			continue
		}
		for _, iid := range ids {
			links = append(links, fmt.Sprintf("</%d/%d>", oid, iid))
		}
	}
	return []byte(strings.Join(links, ","))
}

// Register performs the initial POST /rd and captures the Location-Path
// token. spec §4.6 "Initial register".
func (r *Registration) Register(ctx context.Context) error {
	query := fmt.Sprintf("ep=%s&b=U&lt=%d&lwm2m=1.0", r.endpoint, r.lifetime)
	opts := append(PathOptions("rd"), CoapOption{No: OptionURIQuery, Value: []byte(query)})
	opts = append(opts, contentFormatOption(ContentFormatLinkFormat))

	id := r.conn.Request(CoapCodePost, opts, r.linkPayload())
	resp, err := r.await(ctx, id)
	if err != nil {
		return err
	}
	if resp.Code != CoapCodeCreated {
		return fmt.Errorf("%w: register returned %v", ErrRegistrationFailed, resp.Code)
	}

	segs := resp.OptionValues(OptionLocationPath)
	if len(segs) < 2 {
		return fmt.Errorf("%w: missing Location-Path in register response", ErrRegistrationFailed)
	}
	r.token = string(segs[len(segs)-1])
	log.Info().Str("component", "register").Str("bootstrap_id", r.correlation).Str("token", r.token).Msg("registered")
	return nil
}

// Run blocks in the refresh loop until ctx is cancelled or refresh fails
// unrecoverably. It returns nil on a clean shutdown, an error otherwise.
// spec §4.6 "Refresh loop".
func (r *Registration) Run(ctx context.Context) error {
	for {
		wait := time.Duration(r.lifetime-1) * time.Second
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.topologyCh:
			timer.Stop()
			if err := r.refresh(ctx, true); err != nil {
				if err := r.Register(ctx); err != nil {
					return err
				}
			}
		case <-timer.C:
			if err := r.refresh(ctx, false); err != nil {
				if err := r.Register(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Registration) refresh(ctx context.Context, withLinks bool) error {
	opts := PathOptions("rd/" + r.token)
	var payload []byte
	if withLinks {
		opts = append(opts, contentFormatOption(ContentFormatLinkFormat))
		payload = r.linkPayload()
	}
	id := r.conn.Request(CoapCodePost, opts, payload)
	resp, err := r.await(ctx, id)
	if err != nil {
		return err
	}
	if resp.Code != CoapCodeChanged {
		log.Warn().Str("component", "register").Str("code", strconv.Itoa(int(resp.Code))).Msg("refresh rejected, falling back to fresh register")
		return fmt.Errorf("%w: refresh returned %v", ErrRegistrationFailed, resp.Code)
	}
	return nil
}

func (r *Registration) await(ctx context.Context, id uint16) (*CoapMessage, error) {
	ch := r.conn.AwaitResponse(id)
	select {
	case <-ctx.Done():
		r.conn.CancelResponse(id)
		return nil, fmt.Errorf("%w: %v", ErrTransportTimeout, ctx.Err())
	case resp := <-ch:
		return resp, nil
	}
}
