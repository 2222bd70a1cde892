package scanner

import (
	"io"
	"log/slog"
	"testing"

	"sdlcbridge/line"
	"sdlcbridge/sdlc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUnit() *Unit {
	ln := line.New(0, line.LIBPortBase, testLogger())
	return NewUnit(ln, LCDSdlc8)
}

// TestPCFTransitionsOnQuietLine walks through spec scenario 4: NCP sets
// pcf_next=1 (Set Mode), the scanner raises DTR and L2; once serviced, NCP
// sets pcf_next=2 (Monitor DSR), and the scanner sits in 2 until DCD is
// observed before advancing to 4.
func TestPCFTransitionsOnQuietLine(t *testing.T) {
	u := newTestUnit()
	sc := New([]*Unit{u}, testLogger())

	u.ICW.SetPCFNext(PCFSetMode)
	sc.step(u)

	snap := u.ICW.Snapshot()
	if snap.PCF != PCFNoOp {
		t.Fatalf("PCF after Set Mode = %v, want NoOp", snap.PCF)
	}
	if snap.SDF&SDFDTR == 0 {
		t.Fatal("sdf DTR bit not set after PCF 1")
	}
	if !u.ICW.L2Pending() {
		t.Fatal("expected L2 request pending after PCF 1")
	}
	if !u.Line.Signals.DSRHigh() {
		t.Fatal("expected local DSR high after OnDTRSet")
	}
	u.ICW.ClearL2()

	// The data connection (and therefore the signal baseline) has not yet
	// been re-established for this sub-scenario; reset so DCD/DSR start
	// clear again, matching a freshly re-armed line.
	u.Line.Signals.Reset()

	u.ICW.SetPCFNext(PCFMonitorDSR)
	sc.step(u) // adopts PCF 2; DCD not yet observed

	if u.ICW.Snapshot().PCF != PCFMonitorDSR {
		t.Fatalf("PCF should remain at Monitor DSR while DCD low, got %v", u.ICW.Snapshot().PCF)
	}
	if u.ICW.L2Pending() {
		t.Fatal("no L2 request expected while looping in PCF 2 with DCD low")
	}

	// DCD (and RI) assert the moment the signal channel is accepted, but DSR
	// does not follow until DTR is set.
	u.Line.Signals.OnSignalAccept()
	sc.step(u)

	if u.ICW.Snapshot().SCF&SCFDCDState == 0 {
		t.Fatal("scf.DCD bit not raised once DCD observed")
	}
	if u.ICW.Snapshot().PCF != PCFMonitorDSR {
		t.Fatalf("PCF should still sit at 2 (DSR not yet high), got %v", u.ICW.Snapshot().PCF)
	}

	// DSR follows DTR being set; once both DCD and DSR are high, PCF
	// advances to 4 and raises L2.
	u.Line.Signals.OnDTRSet()
	sc.step(u)
	if u.ICW.Snapshot().PCF != PCFMonitorFlagBlock {
		t.Fatalf("PCF after DCD+DSR high = %v, want Monitor flag (block)", u.ICW.Snapshot().PCF)
	}
	if !u.ICW.L2Pending() {
		t.Fatal("expected L2 raised on advancing 2 -> 4")
	}
}

// TestRRPollWithEmptyBufferRepliesSupervisory walks through spec scenario 5:
// the scanner receives a polled RR (`7E C1 11 47 0F 7E`) with an empty
// tx-buf and lp_granted_units=3, and must emit RR|Final with the current Nr.
func TestRRPollWithEmptyBufferRepliesSupervisory(t *testing.T) {
	u := newTestUnit()
	u.SetLPGrantedUnits(3)
	sc := New([]*Unit{u}, testLogger())

	u.ICW.mu.Lock()
	u.ICW.PCF = PCFRecvInfoBlock
	u.ICW.PCFNext = PCFRecvInfoBlock
	u.ICW.mu.Unlock()

	frame := []byte{sdlc.Flag, 0xC1, sdlc.EncodeSControl(sdlc.CmdRR, 0, true), sdlc.Trailer[0], sdlc.Trailer[1], sdlc.Trailer[2]}
	for _, b := range frame {
		u.Line.RX.PushByte(b)
	}

	// Each cycle that raises L2 must be serviced (cleared) before the next
	// one, per the "PCF 6/7 suspended while svc_req_L2 pending" ordering
	// guarantee; stand in for the CPU emulator the way RegisterFile.ServiceLine
	// would.
	stepAndService := func() {
		sc.step(u)
		if u.ICW.L2Pending() {
			u.ICW.ClearL2()
		}
	}

	// PCF 6: consume the leading flag (stays, sets flag-detect).
	stepAndService()
	if u.ICW.Snapshot().PCF != PCFRecvInfoBlock {
		t.Fatalf("PCF after leading flag = %v, want still Recv Info Block", u.ICW.Snapshot().PCF)
	}

	// Next byte (address) fills PDF and advances to PCF 7.
	stepAndService()
	if u.ICW.Snapshot().PCF != PCFRecvInfoAllow {
		t.Fatalf("PCF after address byte = %v, want Recv Info Allow", u.ICW.Snapshot().PCF)
	}

	// Drain the remaining bytes (control, trailer) through PCF 7 until the
	// frame completes.
	for i := 0; i < 10 && u.Line.RX.Len() > 0; i++ {
		stepAndService()
	}

	if u.Line.TX.Len() != 0 {
		t.Fatalf("expected tx-buf drained after supervisory reply, len=%d", u.Line.TX.Len())
	}
}
