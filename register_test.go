package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers POST /rd and POST /rd/<token> requests arriving on one
// end of a net.Pipe, counting how many of each it has seen.
type fakeServer struct {
	conn          *Conn
	registers     chan *CoapMessage
	refreshes     chan *CoapMessage
	refreshCode   CoapCode
}

func newFakeServer(side net.Conn) *fakeServer {
	s := &fakeServer{
		registers: make(chan *CoapMessage, 16),
		refreshes: make(chan *CoapMessage, 16),
		refreshCode: CoapCodeChanged,
	}
	s.conn = NewConn(side, s.handle)
	return s
}

func (s *fakeServer) handle(msg *CoapMessage) {
	segs := msg.OptionValues(OptionURIPath)
	if len(segs) >= 1 && string(segs[0]) == "rd" {
		if len(segs) == 1 {
			s.registers <- msg
			s.conn.Respond(msg, CoapCodeCreated, []CoapOption{
				{No: OptionLocationPath, Value: []byte("rd")},
				{No: OptionLocationPath, Value: []byte("abc123")},
			}, nil)
			return
		}
		s.refreshes <- msg
		s.conn.Respond(msg, s.refreshCode, nil, nil)
	}
}

func newRegistrationTestPair(t *testing.T, lifetime int) (*Registration, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })

	srv := newFakeServer(serverSide)
	tree := newTestDeviceTree()
	client := NewConn(clientSide, func(*CoapMessage) {})
	reg := NewRegistration(client, tree, "test-endpoint", lifetime)
	return reg, srv
}

func TestRegisterCapturesLocationPathToken(t *testing.T) {
	reg, srv := newRegistrationTestPair(t, 86400)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, reg.Register(ctx))
	assert.Equal(t, "abc123", reg.token)

	select {
	case msg := <-srv.registers:
		assert.Contains(t, string(msg.Payload), "</3/0>")
	case <-time.After(time.Second):
		t.Fatal("server never received the register request")
	}
}

func TestRegistrationRunRefreshesOnTimer(t *testing.T) {
	reg, srv := newRegistrationTestPair(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Register(ctx))

	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	done := make(chan error, 1)
	go func() { done <- reg.Run(runCtx) }()

	select {
	case msg := <-srv.refreshes:
		segs := msg.OptionValues(OptionURIPath)
		require.Len(t, segs, 2)
		assert.Equal(t, "rd", string(segs[0]))
		assert.Equal(t, "abc123", string(segs[1]))
	case <-time.After(3 * time.Second):
		t.Fatal("registration never refreshed before lifetime expiry")
	}
	runCancel()
	<-done
}

// spec.md §4.6: a rejected refresh falls back to a fresh register rather
// than giving up.
func TestRegistrationRunFallsBackToFreshRegisterOnRejectedRefresh(t *testing.T) {
	reg, srv := newRegistrationTestPair(t, 1)
	srv.refreshCode = CoapCodeBadRequest

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Register(ctx))
	require.Len(t, srv.registers, 1)
	<-srv.registers

	runCtx, runCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer runCancel()
	done := make(chan error, 1)
	go func() { done <- reg.Run(runCtx) }()

	select {
	case <-srv.registers:
	case <-time.After(3 * time.Second):
		t.Fatal("a rejected refresh must trigger a fresh register")
	}
	runCancel()
	<-done
}

func TestRegistrationRunRefreshesOnTopologyChange(t *testing.T) {
	reg, srv := newRegistrationTestPair(t, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Register(ctx))
	<-srv.registers

	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	done := make(chan error, 1)
	go func() { done <- reg.Run(runCtx) }()

	reg.signalTopologyChange()

	select {
	case <-srv.refreshes:
	case <-time.After(time.Second):
		t.Fatal("a topology change must trigger an immediate refresh")
	}
	runCancel()
	<-done
}
