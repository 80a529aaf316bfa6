package gateway

import (
	"github.com/rs/zerolog/log"
)

// Site is the CoAP server surface (C3): it receives inbound CoapMessages
// from a Conn, routes them by Uri-Path against a Tree, negotiates
// content-format, and manages Observe subscriptions and Block1/Block2
// transfers via a BlockEngine.
type Site struct {
	tree  *Tree
	conn  *Conn
	block *BlockEngine

	// OnBootstrapFinish is invoked for POST /bs (no further path segments)
	// — the bootstrap server's completion signal. Nil outside a bootstrap
	// session.
	OnBootstrapFinish func()

	observeSeq uint32
}

// NewSite wires a Tree and BlockEngine to a Conn as a CoAP server. Call
// Handle from the Conn's recvHandler.
func NewSite(tree *Tree, block *BlockEngine, conn *Conn) *Site {
	return &Site{tree: tree, block: block, conn: conn}
}

// Handle dispatches one inbound request and sends its response.
func (s *Site) Handle(msg *CoapMessage) {
	segments := pathSegments(msg)

	if len(segments) == 1 && segments[0] == "bs" {
		s.handleBootstrapFinish(msg)
		return
	}

	path, err := ParsePath(segments)
	if err != nil {
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}

	switch msg.Code {
	case CoapCodeGet:
		s.handleGet(msg, path)
	case CoapCodePut:
		s.handleWrite(msg, path, false)
	case CoapCodePost:
		s.handleWrite(msg, path, true)
	case CoapCodeDelete:
		s.handleDelete(msg, path)
	default:
		s.conn.Respond(msg, CoapCodeNotAllowed, nil, nil)
	}
}

func (s *Site) handleBootstrapFinish(msg *CoapMessage) {
	if msg.Code != CoapCodePost {
		s.conn.Respond(msg, CoapCodeNotAllowed, nil, nil)
		return
	}
	if s.OnBootstrapFinish != nil {
		s.OnBootstrapFinish()
	}
	s.conn.Respond(msg, CoapCodeChanged, nil, nil)
}

func (s *Site) handleGet(msg *CoapMessage, path Path) {
	if _, ok := s.block.SourceFor(path); ok {
		szExp, num, _ := block2Request(msg)
		s.handleBlock2(msg, path, num, szExp)
		return
	}

	payload, err := s.tree.Get(path)
	if err != nil {
		log.Debug().Str("component", "coap").Str("path", path.String()).Err(err).Msg("get failed")
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}

	if obsOpt, ok := msg.Option(OptionObserve); ok {
		s.handleObserve(msg, path, obsOpt, payload)
		return
	}

	s.conn.Respond(msg, CoapCodeContent, []CoapOption{contentFormatOption(ContentFormatLwm2mTLV)}, payload)
}

func (s *Site) handleObserve(msg *CoapMessage, path Path, obsOpt CoapOption, payload []byte) {
	if len(obsOpt.Value) > 0 && obsOpt.Value[0] == ObserveDeregister {
		s.tree.DeregisterObserver(path, msg.Token)
		s.conn.Respond(msg, CoapCodeContent, []CoapOption{contentFormatOption(ContentFormatLwm2mTLV)}, payload)
		return
	}

	token := append([]byte(nil), msg.Token...)
	s.tree.RegisterObserver(&Observer{
		Path:  path,
		Token: token,
		Send: func(notifyPayload []byte) {
			s.observeSeq++
			s.conn.Notify(CoapCodeContent, token, []CoapOption{
				{No: OptionObserve, Value: observeSeqBytes(s.observeSeq)},
				contentFormatOption(ContentFormatLwm2mTLV),
			}, notifyPayload)
		},
	})

	s.observeSeq++
	s.conn.Respond(msg, CoapCodeContent, []CoapOption{
		{No: OptionObserve, Value: observeSeqBytes(s.observeSeq)},
		contentFormatOption(ContentFormatLwm2mTLV),
	}, payload)
}

func (s *Site) handleWrite(msg *CoapMessage, path Path, isPost bool) {
	if num, more, szExp, ok := block1Request(msg); ok {
		s.handleBlock1(msg, path, num, more, szExp)
		return
	}

	if len(msg.Payload) > 0 {
		format, ok := contentFormatOf(msg)
		if ok && format != ContentFormatLwm2mTLV && format != ContentFormatOctetStream {
			s.conn.Respond(msg, CoapCodeNotAcceptable, nil, nil)
			return
		}
	}

	var err error
	if isPost {
		err = s.tree.Post(path, msg.Payload)
	} else {
		err = s.tree.Put(path, msg.Payload)
	}
	if err != nil {
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}

	code := CoapCodeChanged
	if isPost && path.Kind == PathObject {
		code = CoapCodeCreated
	}
	s.conn.Respond(msg, code, nil, nil)
}

func (s *Site) handleDelete(msg *CoapMessage, path Path) {
	if err := s.tree.Delete(path); err != nil {
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}
	s.conn.Respond(msg, CoapCodeDeleted, nil, nil)
}

func (s *Site) handleBlock1(msg *CoapMessage, path Path, num int, more bool, szExp int) {
	code, opt, err := s.block.Accept(path, msg.Payload, num, more, szExp)
	if err != nil {
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}
	var opts []CoapOption
	if opt != nil {
		opts = append(opts, CoapOption{No: OptionBlock1, Value: opt})
	}
	s.conn.Respond(msg, code, opts, nil)
}

func (s *Site) handleBlock2(msg *CoapMessage, path Path, num int, szExp int) {
	payload, opt, _, err := s.block.Serve(path, num, szExp)
	if err != nil {
		s.conn.Respond(msg, CodeFor(err), nil, nil)
		return
	}
	s.conn.Respond(msg, CoapCodeContent, []CoapOption{
		{No: OptionBlock2, Value: opt},
		contentFormatOption(ContentFormatOctetStream),
	}, payload)
}

func pathSegments(msg *CoapMessage) []string {
	var segs []string
	for _, v := range msg.OptionValues(OptionURIPath) {
		segs = append(segs, string(v))
	}
	return segs
}

func block1Request(msg *CoapMessage) (num int, more bool, szExp int, ok bool) {
	opt, present := msg.Option(OptionBlock1)
	if !present {
		return 0, false, 0, false
	}
	num, more, szExp = decodeBlockOption(opt.Value)
	return num, more, szExp, true
}

func block2Request(msg *CoapMessage) (szExp int, num int, ok bool) {
	opt, present := msg.Option(OptionBlock2)
	if !present {
		return defaultSizeExponent, 0, false
	}
	num, _, szExp = decodeBlockOption(opt.Value)
	return szExp, num, true
}

func observeSeqBytes(seq uint32) []byte {
	v := seq & 0xFFFFFF
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
}
