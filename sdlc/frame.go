// Package sdlc implements the parts of Synchronous Data Link Control framing
// the scanner and DLSw engine need: flag/trailer detection, control-field
// decode, sequence numbers, and frame assembly (spec §4.4 "SDLC framer
// details"). The FCS is carried verbatim as the fixed three-byte trailer
// `47 0F 7E`; no real CRC is computed (spec §1 Non-goals).
package sdlc

// Flag is the SDLC start/end delimiter.
const Flag = 0x7E

// Trailer is the fixed "FCS + end-flag" byte sequence this system uses in
// place of a real computed FCS (spec §1, §4.4).
var Trailer = [3]byte{0x47, 0x0F, 0x7E}

// Control field type tags (U/S/I), per spec §4.4/glossary.
type FrameType int

const (
	FrameI FrameType = iota // Information
	FrameS                  // Supervisory (RR, RNR, ...)
	FrameU                  // Unnumbered (SNRM, UA, XID, ...)
)

// Supervisory/unnumbered command codes this system recognizes.
const (
	CmdRR   = 0x01 // Receive Ready (S frame, low bits 01)
	CmdRNR  = 0x05 // Receive Not Ready (S frame, low bits 05)
	CmdSNRM = 0x83 // Set Normal Response Mode (U frame)
	CmdUA   = 0x63 // Unnumbered Acknowledge (U frame)
	CmdXID  = 0xAF // Exchange Identification (U frame)
)

const (
	pollFinalBit = 0x10
)

// Control is a decoded SDLC control field.
type Control struct {
	Type  FrameType
	Ns    byte // send sequence number, 0..7 (I frames only)
	Nr    byte // receive sequence number, 0..7
	Poll  bool // poll (command direction) / final (response direction)
	Final bool
	Cmd   byte // raw command code for S/U frames
}

// DecodeControl decodes one SDLC control byte per the standard bit layout:
// I frame: Nr(3) P(1) Ns(3) 0 ; S frame: Nr(3) P/F(1) SS(2) 01 ; U frame:
// the remaining bits carry the command with P/F at bit 0x10.
func DecodeControl(b byte) Control {
	if b&0x01 == 0 {
		return Control{
			Type:  FrameI,
			Nr:    (b >> 5) & 0x07,
			Poll:  b&pollFinalBit != 0,
			Final: b&pollFinalBit != 0,
			Ns:    (b >> 1) & 0x07,
		}
	}
	if b&0x03 == 0x01 {
		return Control{
			Type:  FrameS,
			Nr:    (b >> 5) & 0x07,
			Poll:  b&pollFinalBit != 0,
			Final: b&pollFinalBit != 0,
			Cmd:   b & 0x0F,
		}
	}
	return Control{
		Type:  FrameU,
		Poll:  b&pollFinalBit != 0,
		Final: b&pollFinalBit != 0,
		Cmd:   b &^ pollFinalBit,
	}
}

// EncodeIControl builds an I-frame control byte carrying ns/nr, spec §4.4
// outbound-assembly rule: "control byte with Nr in high 3 bits and Ns in
// bits 1..3".
func EncodeIControl(ns, nr byte, poll bool) byte {
	b := (nr & 0x07) << 5
	b |= (ns & 0x07) << 1
	if poll {
		b |= pollFinalBit
	}
	return b
}

// EncodeSControl builds a supervisory control byte (RR/RNR) carrying nr and
// the final bit, per spec §4.4 "Supervisory response".
func EncodeSControl(cmd, nr byte, final bool) byte {
	b := (nr & 0x07) << 5
	b |= cmd & 0x0F
	if final {
		b |= pollFinalBit
	}
	return b
}

// EncodeUControl builds an unnumbered control byte (UA, XID, ...) carrying
// the final bit.
func EncodeUControl(cmd byte, final bool) byte {
	b := cmd &^ pollFinalBit
	if final {
		b |= pollFinalBit
	}
	return b
}

// BuildFrame assembles a complete on-wire SDLC frame: Flag, address,
// control, payload, Trailer — spec §4.4 "Outbound frame assembly".
func BuildFrame(address, control byte, payload []byte) []byte {
	out := make([]byte, 0, 3+len(payload)+3)
	out = append(out, Flag, address, control)
	out = append(out, payload...)
	out = append(out, Trailer[:]...)
	return out
}

// StripFraming removes the leading Flag/address/control header (3 bytes)
// and the trailing 3-byte Trailer from a complete on-wire frame, returning
// the address, control byte and payload. Used by the SDLC->DLSw path (spec
// §4.5): "after stripping the 3-byte BFlag+Addr+Ctrl header and the 3-byte
// trailer".
func StripFraming(frame []byte) (address, control byte, payload []byte, ok bool) {
	if len(frame) < 6 || frame[0] != Flag {
		return 0, 0, nil, false
	}
	body := frame[3 : len(frame)-3]
	trailer := frame[len(frame)-3:]
	if trailer[0] != Trailer[0] || trailer[1] != Trailer[1] || trailer[2] != Trailer[2] {
		return 0, 0, nil, false
	}
	return frame[1], frame[2], body, true
}

// Reassembler accumulates bytes delivered one at a time (as the scanner
// does in PCF 6/7) and reports frame boundaries by watching for the
// Trailer sequence, per spec §4.4 PCF 7: "end-of-frame = byte is 0x7E and
// preceding two bytes are 47 0F".
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends one received byte and reports whether it completed a frame
// (the trailer was just seen) plus the accumulated frame bytes so far (Flag
// through Trailer inclusive). On a bare leading Flag (start of a new
// frame), the accumulator resets.
func (r *Reassembler) Feed(b byte) (frame []byte, complete bool) {
	if len(r.buf) == 0 && b != Flag {
		// Framing error: garbage before the opening flag. Consume until the
		// next flag per spec §7 "Framing errors".
		return nil, false
	}
	if len(r.buf) == 1 && b == Flag {
		// Repeated flag (7E 7E ...): treat as still waiting for the real
		// frame start, matching spec §7's "next 7E 7E … preamble" recovery.
		return nil, false
	}
	r.buf = append(r.buf, b)
	if len(r.buf) >= 3 && b == Trailer[2] &&
		r.buf[len(r.buf)-3] == Trailer[0] && r.buf[len(r.buf)-2] == Trailer[1] {
		out := r.buf
		r.buf = nil
		return out, true
	}
	return nil, false
}

// Reset discards any partially-accumulated frame (used on framing errors).
func (r *Reassembler) Reset() {
	r.buf = nil
}
