package dlsw

import (
	"bytes"
	"testing"

	"sdlcbridge/sdlc"
)

func TestCapabilitiesHandshakeRepliesWithExpectedBytes(t *testing.T) {
	c := NewCircuit()
	reqBody := EncodeGDS(GDSCapExchange, []byte{20}) // initial pacing window 20
	if !bytes.Equal(reqBody, []byte{0x00, 0x05, 0x15, 0x20, 0x14}) {
		t.Fatalf("test fixture malformed: %x", reqBody)
	}

	rh, rb, send := c.HandleCapExchange(Header{MessageType: MsgCapExchange}, reqBody)
	if !send {
		t.Fatal("expected a reply to be sent")
	}
	want := []byte{0x00, 0x04, 0x15, 0x21}
	if !bytes.Equal(rb, want) {
		t.Fatalf("reply body = %x, want %x", rb, want)
	}
	if rh.MessageLength != 4 {
		t.Fatalf("reply message length = %d, want 4", rh.MessageLength)
	}
	if c.State() != Disconnected {
		t.Fatalf("state changed by cap exchange: %v", c.State())
	}
}

func TestCapExchangeRespIsConsumedSilently(t *testing.T) {
	c := NewCircuit()
	_, _, send := c.HandleCapExchange(Header{}, EncodeGDS(GDSCapExchangeResp, nil))
	if send {
		t.Fatal("expected no reply to a CapExchangeResp")
	}
}

func TestFullConnectSequence(t *testing.T) {
	c := NewCircuit()

	canUReach := Header{MessageType: MsgCanUReach, OriginDLCorr: 0x01020304, OriginDLCPort: 0x0A0B0C0D}
	iCanReach := c.HandleCanUReach(canUReach)
	if c.State() != CircuitStart {
		t.Fatalf("state after CANUREACH = %v, want CircuitStart", c.State())
	}
	if iCanReach.MessageType != MsgICanReach || iCanReach.FrameDirection != DirTargetToOrigin {
		t.Fatalf("ICANREACH reply malformed: %+v", iCanReach)
	}
	if iCanReach.RemoteDLCorr != canUReach.OriginDLCorr || iCanReach.RemoteDLCPort != canUReach.OriginDLCPort {
		t.Fatal("ICANREACH must carry the requester's correlators as remote")
	}

	reachAck := Header{MessageType: MsgReachAck, RemoteDLCorr: 0x01020304, RemoteDLCPort: 0x0A0B0C0D}
	c.HandleReachAck(reachAck)
	if c.State() != CircuitEstablished {
		t.Fatalf("state after REACH_ACK = %v, want CircuitEstablished", c.State())
	}

	xid := Header{MessageType: MsgXIDFrame}
	xidBody := []byte{0x02, 0x01, 0x17, 0x00, 0x03, 0x00, 0x01}
	contactReply, contactBody := c.HandleXIDFrame(xid, xidBody)
	if contactReply.MessageType != MsgContact {
		t.Fatalf("expected CONTACT reply to non-empty XID, got %#x", contactReply.MessageType)
	}
	if contactBody != nil {
		t.Fatal("CONTACT reply to XID carries no body")
	}
	puType, idblk, idnum := c.Identity()
	if puType != 0x02 || idblk != 0x0117 || idnum != 0x00030001 {
		t.Fatalf("identity = pu=%#x idblk=%#x idnum=%#x", puType, idblk, idnum)
	}

	contact := Header{MessageType: MsgContact}
	contactEcho := c.HandleContact(contact)
	if contactEcho.MessageType != MsgContact {
		t.Fatal("expected CONTACT echoed back")
	}
	if c.State() != ConnectPending {
		t.Fatalf("state after CONTACT = %v, want ConnectPending", c.State())
	}

	contacted := Header{MessageType: MsgContacted, RemoteDLCorr: 0x01020304, RemoteDLCPort: 0x0A0B0C0D}
	c.HandleContacted(contacted)
	if c.State() != Connected {
		t.Fatalf("state after CONTACTED = %v, want Connected", c.State())
	}
}

func TestXIDFrameEmptyBodyGetsCannedResponse(t *testing.T) {
	c := NewCircuit()
	reply, body := c.HandleXIDFrame(Header{MessageType: MsgXIDFrame}, nil)
	if reply.MessageType != MsgXIDFrame {
		t.Fatal("expected XIDFRAME echoed back on empty body")
	}
	if len(body) != 20 {
		t.Fatalf("canned XID response length = %d, want 20", len(body))
	}
}

func TestInfoFrameTunnellingIncrementsNs(t *testing.T) {
	c := NewCircuit()
	c.state = Connected

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := c.BuildInfoFrame(payload)

	addr, ctrl, body, ok := sdlc.StripFraming(frame)
	if !ok {
		t.Fatal("BuildInfoFrame produced unframeable output")
	}
	if addr != stationAddress {
		t.Fatalf("address = %#x, want %#x", addr, stationAddress)
	}
	decoded := sdlc.DecodeControl(ctrl)
	if decoded.Ns != 0 || decoded.Nr != 0 {
		t.Fatalf("first frame control = %+v, want Ns=0 Nr=0", decoded)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload round-trip mismatch")
	}

	frame2 := c.BuildInfoFrame(payload)
	_, ctrl2, _, _ := sdlc.StripFraming(frame2)
	if sdlc.DecodeControl(ctrl2).Ns != 1 {
		t.Fatal("expected Ns to increment to 1 on the second frame")
	}
}

func TestNsWrapsFromSevenToZero(t *testing.T) {
	c := NewCircuit()
	c.state = Connected
	for i := 0; i < 7; i++ {
		c.BuildInfoFrame(nil)
	}
	frame := c.BuildInfoFrame(nil)
	_, ctrl, _, _ := sdlc.StripFraming(frame)
	if sdlc.DecodeControl(ctrl).Ns != 7 {
		t.Fatalf("8th frame Ns = %d, want 7", sdlc.DecodeControl(ctrl).Ns)
	}
	frame9 := c.BuildInfoFrame(nil)
	_, ctrl9, _, _ := sdlc.StripFraming(frame9)
	if sdlc.DecodeControl(ctrl9).Ns != 0 {
		t.Fatalf("9th frame Ns = %d, want wrap to 0", sdlc.DecodeControl(ctrl9).Ns)
	}
}

func TestBuildInfoFrameMessageDiscardedWhenNotConnected(t *testing.T) {
	c := NewCircuit()
	frame := sdlc.BuildFrame(stationAddress, sdlc.EncodeIControl(0, 0, false), []byte("hi"))
	_, _, ok := c.BuildInfoFrameMessage(frame)
	if ok {
		t.Fatal("expected message discarded while circuit not CONNECTED")
	}
}

func TestBuildInfoFrameMessageComputesLengthAndStripsFraming(t *testing.T) {
	c := NewCircuit()
	c.state = Connected
	c.remoteDLCorr = 0x01020304
	c.remoteDLCPort = 0x0A0B0C0D

	payload := []byte("hello world")
	frame := sdlc.BuildFrame(stationAddress, sdlc.EncodeIControl(2, 0, false), payload)

	h, body, ok := c.BuildInfoFrameMessage(frame)
	if !ok {
		t.Fatal("expected ok=true for a CONNECTED circuit")
	}
	if int(h.MessageLength) != len(frame)-6 {
		t.Fatalf("message length = %d, want %d", h.MessageLength, len(frame)-6)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body = %q, want %q", body, payload)
	}
	if h.RemoteDLCorr != 0x01020304 || h.RemoteDLCPort != 0x0A0B0C0D {
		t.Fatal("expected stored circuit correlators on the outbound INFOFRAME")
	}
}
