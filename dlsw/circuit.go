package dlsw

import (
	"sync"

	"sdlcbridge/sdlc"
)

// State is the circuit lifecycle, spec §4.5 "Circuit state machine" /
// §9 "Boolean state flags -> tagged states".
type State int

const (
	Disconnected State = iota
	CircuitStart
	CircuitEstablished
	ConnectPending
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case CircuitStart:
		return "circuit_start"
	case CircuitEstablished:
		return "circuit_established"
	case ConnectPending:
		return "connect_pending"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// stationAddress is the hardcoded SDLC station address used in the
// INFOFRAME-to-SDLC translation (spec §9 open question 4; see
// sdlc.BuildFrame callers for the same constant elsewhere).
const stationAddress = 0xC1

// Circuit holds one DLSw session's correlators, identity, sequence
// counters, and flow-control state (spec §3 Data Model, §4.5).
type Circuit struct {
	mu sync.Mutex

	state State

	remoteDLCorr  uint32
	remoteDLCPort uint32
	originDLCorr  uint32
	originDLCPort uint32

	ns byte // SDLC send sequence number, mod 8

	puType byte
	idblk  uint16
	idnum  uint32

	flow *FlowControl
}

// NewCircuit returns a circuit at rest (Disconnected, no flow control until
// a capabilities exchange or REACH_ACK is observed).
func NewCircuit() *Circuit {
	return &Circuit{state: Disconnected}
}

// State returns the current circuit state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the PU type/IDBLK/IDNUM learned from a non-empty XID
// frame, for the scanner's own XID responses (scanner.Unit.SetXID).
func (c *Circuit) Identity() (puType byte, idblk uint16, idnum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puType, c.idblk, c.idnum
}

// HandleCapExchange implements the "any state -> CAP_EXCHANGE" row: adopt
// the peer's pacing window and reply with a CapExchangeResp GDS body. The
// state is left unchanged.
func (c *Circuit) HandleCapExchange(h Header, body []byte) (replyHeader Header, replyBody []byte, send bool) {
	id, payload, ok := DecodeGDS(body)
	if !ok {
		return Header{}, nil, false
	}
	switch id {
	case GDSCapExchange:
		initWindow := 20
		if len(payload) >= 1 {
			initWindow = int(payload[0])
		}
		c.mu.Lock()
		c.flow = NewFlowControl(initWindow)
		c.mu.Unlock()

		resp := EncodeGDS(GDSCapExchangeResp, nil)
		rh := Header{
			HeaderLength:   ControlHeaderLen,
			MessageLength:  uint16(len(resp)),
			MessageType:    MsgCapExchange,
			FrameDirection: DirTargetToOrigin,
		}
		return rh, resp, true
	case GDSCapExchangeResp:
		// Consume silently, spec §4.5.
		return Header{}, nil, false
	default:
		return Header{}, nil, false
	}
}

// HandleCanUReach implements "DISCONNECTED + CANUREACH -> CIRCUIT_START":
// reply ICANREACH with correlators swapped and direction=origin.
func (c *Circuit) HandleCanUReach(h Header) (replyHeader Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originDLCorr, c.originDLCPort = h.OriginDLCorr, h.OriginDLCPort
	c.state = CircuitStart
	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgICanReach,
		FrameDirection: DirTargetToOrigin,
		RemoteDLCorr:   h.OriginDLCorr,
		RemoteDLCPort:  h.OriginDLCPort,
	}
}

// HandleICanReach implements "CIRCUIT_START + ICANREACH -> reply REACH_ACK"
// for the side that initiated CANUREACH.
func (c *Circuit) HandleICanReach(h Header) (replyHeader Header) {
	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgReachAck,
		FrameDirection: DirTargetToOrigin,
		RemoteDLCorr:   h.OriginDLCorr,
		RemoteDLCPort:  h.OriginDLCPort,
	}
}

// HandleReachAck implements "CIRCUIT_START + REACH_ACK -> CIRCUIT_ESTABLISHED".
func (c *Circuit) HandleReachAck(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDLCorr, c.remoteDLCPort = h.RemoteDLCorr, h.RemoteDLCPort
	c.state = CircuitEstablished
	if c.flow == nil {
		c.flow = NewFlowControl(20)
	}
}

// cannedXIDResponse is the 20-byte canned XID body sent when the incoming
// XIDFRAME carries no identity payload (spec §4.5 row "XIDFRAME empty").
var cannedXIDResponse = make([]byte, 20)

// HandleXIDFrame implements "CIRCUIT_ESTABLISHED + XIDFRAME": a non-empty
// body yields PU/IDBLK/IDNUM extraction and a CONTACT reply; an empty body
// yields a canned 20-byte XIDFRAME echo.
func (c *Circuit) HandleXIDFrame(h Header, body []byte) (replyHeader Header, replyBody []byte) {
	if len(body) == 0 {
		return Header{
			HeaderLength:   ControlHeaderLen,
			MessageType:    MsgXIDFrame,
			MessageLength:  uint16(len(cannedXIDResponse)),
			FrameDirection: DirTargetToOrigin,
		}, cannedXIDResponse
	}

	c.mu.Lock()
	c.puType = body[0]
	if len(body) >= 3 {
		c.idblk = uint16(body[1])<<8 | uint16(body[2])
	}
	if len(body) >= 7 {
		c.idnum = uint32(body[3])<<24 | uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6])
	}
	c.mu.Unlock()

	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgContact,
		FrameDirection: DirTargetToOrigin,
	}, nil
}

// HandleContact implements "CIRCUIT_ESTABLISHED + CONTACT -> CONNECT_PENDING",
// echoing CONTACT back.
func (c *Circuit) HandleContact(h Header) (replyHeader Header) {
	c.mu.Lock()
	c.state = ConnectPending
	c.mu.Unlock()
	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgContact,
		FrameDirection: DirTargetToOrigin,
		RemoteDLCorr:   h.RemoteDLCorr,
		RemoteDLCPort:  h.RemoteDLCPort,
	}
}

// HandleContacted implements "CONNECT_PENDING + CONTACTED -> CONNECTED":
// copy correlators; caller (Engine) raises RTS on the line's signal channel.
func (c *Circuit) HandleContacted(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDLCorr, c.remoteDLCPort = h.RemoteDLCorr, h.RemoteDLCPort
	c.state = Connected
}

// HandleHaltDL implements "CONNECTED + HALT_DL -> reply DL_HALTED, drop
// RTS". The caller drops RTS on the line's signal channel.
func (c *Circuit) HandleHaltDL(h Header) (replyHeader Header) {
	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgDLHalted,
		FrameDirection: DirTargetToOrigin,
		RemoteDLCorr:   h.RemoteDLCorr,
		RemoteDLCPort:  h.RemoteDLCPort,
	}
}

// HandleRestartDL implements "CONNECTED + RESTART_DL -> reply DL_RESTARTED".
func (c *Circuit) HandleRestartDL(h Header) (replyHeader Header) {
	return Header{
		HeaderLength:   ControlHeaderLen,
		MessageType:    MsgDLRestarted,
		FrameDirection: DirTargetToOrigin,
		RemoteDLCorr:   h.RemoteDLCorr,
		RemoteDLCPort:  h.RemoteDLCPort,
	}
}

// BuildInfoFrame implements "CONNECTED + INFOFRAME": wraps payload as an
// SDLC I-frame with the current Ns, Nr=0, address 0xC1, then increments Ns
// mod 8 (spec §4.5, §8 scenario 3).
func (c *Circuit) BuildInfoFrame(payload []byte) []byte {
	c.mu.Lock()
	ns := c.ns
	c.ns = (c.ns + 1) % 8
	c.mu.Unlock()

	ctrl := sdlc.EncodeIControl(ns, 0, false)
	return sdlc.BuildFrame(stationAddress, ctrl, payload)
}

// BuildInfoFrameMessage implements the SDLC->DLSw path (spec §4.5): given a
// complete SDLC frame received from the line (flag through trailer
// inclusive), strip the framing and build an INFOFRAME header+body. Returns
// ok=false if the circuit is not CONNECTED, per spec: "discarded with a log."
func (c *Circuit) BuildInfoFrameMessage(sdlcFrame []byte) (h Header, body []byte, ok bool) {
	c.mu.Lock()
	connected := c.state == Connected
	remoteCorr, remotePort := c.remoteDLCorr, c.remoteDLCPort
	c.mu.Unlock()
	if !connected {
		return Header{}, nil, false
	}

	_, _, payload, stripOK := sdlc.StripFraming(sdlcFrame)
	if !stripOK {
		return Header{}, nil, false
	}

	h = Header{
		HeaderLength:   InfoHeaderLen,
		MessageLength:  uint16(len(sdlcFrame) - 6),
		MessageType:    MsgInfoFrame,
		RemoteDLCorr:   remoteCorr,
		RemoteDLCPort:  remotePort,
		FrameDirection: DirOriginToTarget,
	}
	return h, payload, true
}
