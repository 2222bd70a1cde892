package sdlc

import (
	"bytes"
	"testing"
)

func TestDecodeControlIFrame(t *testing.T) {
	c := DecodeControl(EncodeIControl(3, 5, true))
	if c.Type != FrameI || c.Ns != 3 || c.Nr != 5 || !c.Poll {
		t.Fatalf("decoded %+v", c)
	}
}

func TestDecodeControlSFrame(t *testing.T) {
	c := DecodeControl(EncodeSControl(CmdRR, 2, true))
	if c.Type != FrameS || c.Cmd != CmdRR || c.Nr != 2 || !c.Final {
		t.Fatalf("decoded %+v", c)
	}
}

func TestDecodeControlUFrame(t *testing.T) {
	c := DecodeControl(EncodeUControl(CmdSNRM, true))
	if c.Type != FrameU || c.Cmd != CmdSNRM || !c.Poll {
		t.Fatalf("decoded %+v", c)
	}
}

func TestBuildFrameAndStripFramingRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame := BuildFrame(0xC1, EncodeIControl(0, 0, false), payload)
	addr, ctrl, body, ok := StripFraming(frame)
	if !ok {
		t.Fatal("StripFraming returned ok=false")
	}
	if addr != 0xC1 {
		t.Fatalf("addr = %#02x, want 0xc1", addr)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body = %q, want %q", body, payload)
	}
	c := DecodeControl(ctrl)
	if c.Ns != 0 || c.Nr != 0 {
		t.Fatalf("decoded ctrl %+v", c)
	}
}

func TestReassemblerDeliversCompleteFrameRRPoll(t *testing.T) {
	r := NewReassembler()
	frame := []byte{Flag, 0xC1, 0x11, 0x47, 0x0F, Flag}
	var got []byte
	var complete bool
	for _, b := range frame {
		got, complete = r.Feed(b)
	}
	if !complete {
		t.Fatal("expected frame complete on trailer")
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("got %x, want %x", got, frame)
	}
}

func TestReassemblerIgnoresDoubleLeadingFlag(t *testing.T) {
	r := NewReassembler()
	for _, b := range []byte{Flag, Flag, 0xC1} {
		r.Feed(b)
	}
	// Should not have dropped the address byte behind the repeated flag.
	frame := []byte{0x11, 0x47, 0x0F, Flag}
	var got []byte
	var complete bool
	for _, b := range frame {
		got, complete = r.Feed(b)
	}
	if !complete {
		t.Fatal("expected frame complete")
	}
	want := []byte{Flag, 0xC1, 0x11, 0x47, 0x0F, Flag}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestReassemblerRejectsGarbageBeforeFlag(t *testing.T) {
	r := NewReassembler()
	frame, complete := r.Feed(0x99)
	if frame != nil || complete {
		t.Fatal("expected no progress on garbage before leading flag")
	}
}
