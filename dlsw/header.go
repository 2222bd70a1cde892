// Package dlsw implements the Data Link Switching circuit engine: the
// 72-byte/16-byte control header codec, the circuit state machine of RFC
// 1795, and the flow-control discipline that gates it (spec §4.5).
package dlsw

import "encoding/binary"

// Header lengths, spec §4.5 "DLSw header layout".
const (
	ControlHeaderLen = 72
	InfoHeaderLen    = 16
)

// VersionNumber is the fixed DLSw version byte at offset 0x00.
const VersionNumber = 0x31

// Field offsets within the header, spec §4.5 table (only the offsets this
// system touches; the remaining 72-byte control header is zero-filled).
const (
	offVersion       = 0x00
	offHeaderLength  = 0x01
	offMessageLength = 0x02
	offRemoteDLCorr  = 0x04
	offRemoteDLCPort = 0x08
	offMessageType   = 0x0E
	offFlowControl   = 0x0F
	offSSPFlags      = 0x15
	offFrameDir      = 0x26
	offOriginDLCPort = 0x2C
	offOriginDLCorr  = 0x30
)

// Message type codes (header offset 0x0E), spec §4.5/§8.
const (
	MsgCanUReach    = 0x03
	MsgICanReach    = 0x04
	MsgReachAck     = 0x05
	MsgXIDFrame     = 0x06
	MsgContact      = 0x07
	MsgContacted    = 0x08
	MsgInfoFrame    = 0x0A
	MsgHaltDL       = 0x0F
	MsgDLHalted     = 0x10
	MsgRestartDL    = 0x11
	MsgDLRestarted  = 0x12
	MsgCapExchange  = 0x20
	MsgIFCM         = 0x21
)

// GDS (General Data Stream) ids carried in the capabilities-exchange body,
// spec scenario 1.
const (
	GDSCapExchange     = 0x1520
	GDSCapExchangeResp = 0x1521
)

// Frame direction byte (header offset 0x26).
const (
	DirOriginToTarget = 0x01
	DirTargetToOrigin = 0x02
)

// Flow-control byte bits and FCO (flow-control operator) codes, spec §4.5
// "Flow-control discipline".
const (
	FCIBit = 0x80
	FCABit = 0x40

	FCORepeat    = 0x00
	FCOIncrement = 0x01
	FCODecrement = 0x02
	FCOReset     = 0x03
	FCOHalve     = 0x04
)

// Header is the subset of the DLSw control header this system reads and
// writes; all other offsets are left zero, matching a minimum-viable peer.
type Header struct {
	HeaderLength   byte
	MessageLength  uint16
	RemoteDLCorr   uint32
	RemoteDLCPort  uint32
	MessageType    byte
	FlowControl    byte
	SSPFlags       byte
	FrameDirection byte
	OriginDLCPort  uint32
	OriginDLCorr   uint32
}

// Encode writes h into a freshly allocated header buffer of h.HeaderLength
// bytes (72 for control messages, 16 for info messages carrying payload).
func (h Header) Encode() []byte {
	n := int(h.HeaderLength)
	if n == 0 {
		n = ControlHeaderLen
	}
	buf := make([]byte, n)
	buf[offVersion] = VersionNumber
	buf[offHeaderLength] = byte(n)
	binary.BigEndian.PutUint16(buf[offMessageLength:], h.MessageLength)
	binary.BigEndian.PutUint32(buf[offRemoteDLCorr:], h.RemoteDLCorr)
	binary.BigEndian.PutUint32(buf[offRemoteDLCPort:], h.RemoteDLCPort)
	buf[offMessageType] = h.MessageType
	buf[offFlowControl] = h.FlowControl
	if n > offSSPFlags {
		buf[offSSPFlags] = h.SSPFlags
	}
	if n > offFrameDir {
		buf[offFrameDir] = h.FrameDirection
		binary.BigEndian.PutUint32(buf[offOriginDLCPort:], h.OriginDLCPort)
		binary.BigEndian.PutUint32(buf[offOriginDLCorr:], h.OriginDLCorr)
	}
	return buf
}

// DecodeHeader parses the fixed-offset fields out of a received header
// buffer (either length variant).
func DecodeHeader(buf []byte) (Header, bool) {
	if len(buf) < offMessageType+1 {
		return Header{}, false
	}
	h := Header{
		HeaderLength:  buf[offHeaderLength],
		MessageLength: binary.BigEndian.Uint16(buf[offMessageLength:]),
		RemoteDLCorr:  binary.BigEndian.Uint32(buf[offRemoteDLCorr:]),
		RemoteDLCPort: binary.BigEndian.Uint32(buf[offRemoteDLCPort:]),
		MessageType:   buf[offMessageType],
		FlowControl:   buf[offFlowControl],
	}
	if len(buf) > offSSPFlags {
		h.SSPFlags = buf[offSSPFlags]
	}
	if len(buf) > offOriginDLCorr+4 {
		h.FrameDirection = buf[offFrameDir]
		h.OriginDLCPort = binary.BigEndian.Uint32(buf[offOriginDLCPort:])
		h.OriginDLCorr = binary.BigEndian.Uint32(buf[offOriginDLCorr:])
	}
	return h, true
}

// EncodeGDS wraps payload in a GDS TLV: 2-byte length (inclusive of the
// 4-byte length+id prefix) followed by the 2-byte id, per scenario 1's
// `00 26 15 20 …` / `00 04 15 21` wire examples.
func EncodeGDS(id uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:], uint16(4+len(payload)))
	binary.BigEndian.PutUint16(out[2:], id)
	copy(out[4:], payload)
	return out
}

// DecodeGDS parses a GDS TLV, returning the id and its payload.
func DecodeGDS(body []byte) (id uint16, payload []byte, ok bool) {
	if len(body) < 4 {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint16(body[0:])
	if int(length) > len(body) || length < 4 {
		return 0, nil, false
	}
	id = binary.BigEndian.Uint16(body[2:])
	return id, body[4:length], true
}
