package gateway

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sort"
	"strconv"
)

// Conn is a CoAP transport over a DTLS-PSK session (dtls.go) or a plain
// connected UDP socket (used when no PSK is configured for the peer),
// whichever the bearer supervisor (C8) dialed. It owns message-ID allocation and the confirmable-request/ACK
// correlation table.
type Conn struct {
	netConn       net.Conn
	nextMessageID uint16
	pending       map[uint16]chan *CoapMessage
	recvHandler   func(*CoapMessage)
	stopCh        chan struct{}

	// Metrics, if set, counts server responses sent via Respond by request
	// method and response code.
	Metrics *Metrics
}

// CoapMessage is one RFC7252 §3 message.
type CoapMessage struct {
	Version     byte
	Type        byte
	TokenLength byte
	Code        CoapCode
	MessageID   uint16
	Token       []byte
	Options     []CoapOption
	Payload     []byte
}

// Message Type. RFC7252 §3.
const (
	CoapTypeConfirmable     byte = 0
	CoapTypeNonConfirmable  byte = 1
	CoapTypeAcknowledgement byte = 2
	CoapTypeReset           byte = 3
)

type CoapCode byte

// Method codes. RFC7252 §12.1.1.
const (
	CoapCodeGet    CoapCode = 1
	CoapCodePost   CoapCode = 2
	CoapCodePut    CoapCode = 3
	CoapCodeDelete CoapCode = 4
)

// Response codes. RFC7252 §12.1.2, RFC7959 §2.9.3.
const (
	CoapCodeEmpty                   CoapCode = 0
	CoapCodeCreated                 CoapCode = 65  // 2.01
	CoapCodeDeleted                 CoapCode = 66  // 2.02
	CoapCodeChanged                 CoapCode = 68  // 2.04
	CoapCodeContent                 CoapCode = 69  // 2.05
	CoapCodeContinue                CoapCode = 95  // 2.31
	CoapCodeBadRequest              CoapCode = 128 // 4.00
	CoapCodeNotFound                CoapCode = 132 // 4.04
	CoapCodeNotAllowed              CoapCode = 133 // 4.05
	CoapCodeNotAcceptable           CoapCode = 134 // 4.06
	CoapCodeRequestEntityIncomplete CoapCode = 136 // 4.08
	CoapCodeInternalServerError     CoapCode = 160 // 5.00
)

// IsSuccess reports whether a response code is in the 2.xx class.
func (c CoapCode) IsSuccess() bool { return c >= 64 && c < 96 }

// Content-Format registry values. RFC7252 §12.3.
const (
	ContentFormatLinkFormat  = 40
	ContentFormatOctetStream = 42
	ContentFormatLwm2mTLV    = 11542
	ContentFormatLwm2mJSON   = 11543
)

const defaultTokenLength = 8

// CoapOption is one RFC7252 §5.10 option.
type CoapOption struct {
	No    uint
	Value []byte
}

// Option numbers used by this client. RFC7252 §5.10, RFC7959 §2.1, RFC7641 §2.
const (
	OptionObserve       uint = 6
	OptionLocationPath  uint = 8
	OptionURIPath       uint = 11
	OptionContentFormat uint = 12
	OptionURIQuery      uint = 15
	OptionBlock2        uint = 23
	OptionBlock1        uint = 27
	OptionSize2         uint = 28
)

const (
	ObserveRegister   byte = 0
	ObserveDeregister byte = 1
)

// Option varint-delta parameters. RFC7252 §5.10.
const (
	optCodeByte = 13
	optCodeWord = 14
	optByteBase = 13
	optWordBase = 269
)

// NewConn wraps an already-connected net.Conn (plain UDP or a DTLS session)
// as a CoAP endpoint and starts its receive loop. recvHandler is invoked for
// every inbound message that is not an ACK to a pending Request.
func NewConn(netConn net.Conn, recvHandler func(*CoapMessage)) *Conn {
	c := &Conn{
		netConn:       netConn,
		nextMessageID: uint16(rand.Intn(65536)),
		pending:       make(map[uint16]chan *CoapMessage),
		recvHandler:   recvHandler,
		stopCh:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close stops the receive loop and closes the transport.
func (c *Conn) Close() {
	close(c.stopCh)
	c.netConn.Close()
}

func (c *Conn) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, err := c.netConn.Read(buf)
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err != nil {
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		msg := ParseMessage(raw)
		if msg == nil {
			continue
		}
		if msg.Type == CoapTypeAcknowledgement {
			if ch, ok := c.pending[msg.MessageID]; ok {
				delete(c.pending, msg.MessageID)
				ch <- msg
				continue
			}
		}
		c.recvHandler(msg)
	}
}

// Request sends a confirmable request and returns its message ID; the
// caller retrieves the ACK channel via AwaitResponse and selects on it
// alongside a context/timer for cancellation.
func (c *Conn) Request(code CoapCode, options []CoapOption, payload []byte) uint16 {
	msg := &CoapMessage{
		Version:     1,
		Type:        CoapTypeConfirmable,
		Code:        code,
		MessageID:   c.nextMessageID,
		Token:       make([]byte, defaultTokenLength),
		TokenLength: defaultTokenLength,
		Options:     options,
		Payload:     payload,
	}
	rand.Read(msg.Token)
	ch := make(chan *CoapMessage, 1)
	c.pending[msg.MessageID] = ch
	id := msg.MessageID
	c.nextMessageID++
	c.netConn.Write(msg.ConvertToBytes())
	return id
}

// AwaitResponse returns the channel registered by Request for id, or nil if
// none is pending.
func (c *Conn) AwaitResponse(id uint16) chan *CoapMessage {
	return c.pending[id]
}

// CancelResponse drops a pending request's channel without waiting, e.g.
// when a caller times out and gives up correlating a late ACK.
func (c *Conn) CancelResponse(id uint16) {
	delete(c.pending, id)
}

// Respond sends an ACK response to request.
func (c *Conn) Respond(request *CoapMessage, code CoapCode, options []CoapOption, payload []byte) {
	msg := &CoapMessage{
		Version:     1,
		Type:        CoapTypeAcknowledgement,
		Code:        code,
		MessageID:   request.MessageID,
		Token:       request.Token,
		TokenLength: request.TokenLength,
		Options:     options,
		Payload:     payload,
	}
	c.netConn.Write(msg.ConvertToBytes())
	if c.Metrics != nil {
		c.Metrics.CoAPRequests.WithLabelValues(methodName(request.Code), strconv.Itoa(int(code))).Inc()
	}
}

// methodName renders a request's method code as a metrics label.
func methodName(code CoapCode) string {
	switch code {
	case CoapCodeGet:
		return "GET"
	case CoapCodePost:
		return "POST"
	case CoapCodePut:
		return "PUT"
	case CoapCodeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Notify sends a non-confirmable message reusing an observer's original
// token, used for Observe notifications, which are new CoAP messages that
// share a token with the GET that registered the observation. RFC7641 §2.
func (c *Conn) Notify(code CoapCode, token []byte, options []CoapOption, payload []byte) uint16 {
	msg := &CoapMessage{
		Version:     1,
		Type:        CoapTypeNonConfirmable,
		Code:        code,
		MessageID:   c.nextMessageID,
		Token:       token,
		TokenLength: byte(len(token)),
		Options:     options,
		Payload:     payload,
	}
	id := msg.MessageID
	c.nextMessageID++
	c.netConn.Write(msg.ConvertToBytes())
	return id
}

// ParseMessage decodes raw bytes into a CoapMessage, or nil on malformed input.
func ParseMessage(raw []byte) *CoapMessage {
	if len(raw) < 4 {
		return nil
	}
	m := &CoapMessage{}
	m.Version = raw[0] >> 6
	m.Type = (raw[0] >> 4) & 0x03
	m.TokenLength = raw[0] & 0x0F
	m.Code = CoapCode(raw[1])
	m.MessageID = binary.BigEndian.Uint16(raw[2:4])
	if len(raw) < 4+int(m.TokenLength) {
		return nil
	}
	m.Token = raw[4 : 4+m.TokenLength]
	optionsLen := m.parseOptions(raw[4+int(m.TokenLength):])
	m.Payload = raw[4+int(m.TokenLength)+optionsLen:]
	return m
}

// ConvertToBytes renders a CoapMessage to its wire form.
func (m *CoapMessage) ConvertToBytes() []byte {
	out := make([]byte, 4)
	out[0] = (m.Version << 6) + (m.Type << 4) + m.TokenLength
	out[1] = byte(m.Code)
	binary.BigEndian.PutUint16(out[2:4], m.MessageID)
	out = append(out, m.Token...)
	out = append(out, m.buildOptions()...)
	if len(m.Payload) > 0 {
		out = append(out, 0xFF)
		out = append(out, m.Payload...)
	}
	return out
}

// Option accesses the first option with the given number, if present.
func (m *CoapMessage) Option(no uint) (CoapOption, bool) {
	for _, o := range m.Options {
		if o.No == no {
			return o, true
		}
	}
	return CoapOption{}, false
}

// OptionValues returns every option value with the given number, in wire
// order — Uri-Path and Uri-Query are repeatable options.
func (m *CoapMessage) OptionValues(no uint) [][]byte {
	var out [][]byte
	for _, o := range m.Options {
		if o.No == no {
			out = append(out, o.Value)
		}
	}
	return out
}

// IsObserve reports whether the message carries an Observe option.
func (m *CoapMessage) IsObserve() bool {
	_, ok := m.Option(OptionObserve)
	return ok
}

func (m *CoapMessage) parseOptions(raw []byte) int {
	length := 0
	var base uint
	for len(raw) > length && raw[length] != 0xFF {
		opt, n := parseOption(raw[length:], base)
		m.Options = append(m.Options, opt)
		length += n
		base = opt.No
	}
	if len(raw) > length && raw[length] == 0xFF {
		length++
	}
	return length
}

func parseOption(raw []byte, base uint) (CoapOption, int) {
	delta := uint(raw[0]) >> 4
	deltaLen := 0
	switch delta {
	case optCodeByte:
		delta = uint(raw[1]) + optByteBase
		deltaLen = 1
	case optCodeWord:
		delta = uint(raw[1])<<8 + uint(raw[2]) + optWordBase
		deltaLen = 2
	}

	length := uint(raw[0]) & 0x0F
	lengthLen := 0
	switch length {
	case optCodeByte:
		length = uint(raw[1+deltaLen]) + optByteBase
		lengthLen = 1
	case optCodeWord:
		length = uint(raw[1+deltaLen])<<8 + uint(raw[2+deltaLen]) + optWordBase
		lengthLen = 2
	}

	start := 1 + deltaLen + lengthLen
	return CoapOption{No: base + delta, Value: raw[start : start+int(length)]}, start + int(length)
}

func (m *CoapMessage) buildOptions() []byte {
	sort.Slice(m.Options, func(i, j int) bool { return m.Options[i].No < m.Options[j].No })
	var out []byte
	var base uint
	for _, o := range m.Options {
		out = append(out, o.buildBytes(base)...)
		base = o.No
	}
	return out
}

func (o CoapOption) buildBytes(base uint) []byte {
	delta := o.No - base
	length := uint(len(o.Value))
	head := make([]byte, 1)

	switch {
	case delta < optByteBase:
		head[0] += byte(delta << 4)
	case delta < optWordBase:
		head[0] += optCodeByte << 4
		head = append(head, byte(delta-optByteBase))
	default:
		head[0] += optCodeWord << 4
		head = append(head, byte((delta-optWordBase)>>8), byte((delta-optWordBase)&0xFF))
	}

	switch {
	case length < optByteBase:
		head[0] += byte(length)
	case length < optWordBase:
		head[0] += optCodeByte
		head = append(head, byte(length-optByteBase))
	default:
		head[0] += optCodeWord
		head = append(head, byte((length-optWordBase)>>8), byte((length-optWordBase)&0xFF))
	}

	return append(head, o.Value...)
}

// PathOptions renders a slash path ("/3/0/1") as repeated Uri-Path options.
func PathOptions(path string) []CoapOption {
	var opts []CoapOption
	for _, seg := range splitPath(path) {
		opts = append(opts, CoapOption{No: OptionURIPath, Value: []byte(seg)})
	}
	return opts
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// contentFormatOption encodes a Content-Format option value as a
// variable-length uint trimmed of leading zero bytes. RFC7252 §3.2.
func contentFormatOption(format uint16) CoapOption {
	if format <= 0xFF {
		return CoapOption{No: OptionContentFormat, Value: []byte{byte(format)}}
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, format)
	return CoapOption{No: OptionContentFormat, Value: buf}
}

func contentFormatOf(m *CoapMessage) (uint16, bool) {
	opt, ok := m.Option(OptionContentFormat)
	if !ok {
		return 0, false
	}
	switch len(opt.Value) {
	case 0:
		return 0, true
	case 1:
		return uint16(opt.Value[0]), true
	default:
		return binary.BigEndian.Uint16(opt.Value[len(opt.Value)-2:]), true
	}
}
