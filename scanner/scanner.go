package scanner

import (
	"context"
	"log/slog"
	"time"

	"sdlcbridge/line"
	"sdlcbridge/sdlc"
)

// CycleInterval is the ~500µs inter-cycle delay spec §4.4 calls for.
const CycleInterval = 500 * time.Microsecond

// Unit bundles one Line with its ICW and SDLC framing state — everything
// one PCF dispatch cycle needs.
type Unit struct {
	Line *line.Line
	ICW  *ICW

	reasm     *sdlc.Reassembler
	lpGrant   int // lp_granted_units, supplied by the DLSw side via SetLPGrantedUnits
	stationID byte

	ns, nr byte
	xid    []byte // PU identity bytes sent in an XID response; set via SetXID

	onIFrame func(frame []byte)
}

// SetIFrameHandler registers the callback invoked with the raw bytes (Flag
// through Trailer inclusive) of each complete SDLC I-frame the scanner
// reassembles, so the DLSw engine can tunnel it out (spec §4.5 "SDLC->DLSw
// path"). Frames received with no handler registered are dropped.
func (u *Unit) SetIFrameHandler(fn func(frame []byte)) {
	u.onIFrame = fn
}

// SetXID records the 9-byte XID payload (PU type/IDBLK/IDNUM) the scanner
// echoes back on a polled XID.
func (u *Unit) SetXID(payload []byte) {
	u.xid = payload
}

func (u *Unit) xidResponse() []byte {
	return u.xid
}

func (u *Unit) seqNr() byte {
	return u.nr
}

func (u *Unit) resetSeq() {
	u.ns, u.nr = 0, 0
}

// NewUnit returns a scanner Unit for ln, with ICW line-code definer lcd.
func NewUnit(ln *line.Line, lcd byte) *Unit {
	return &Unit{
		Line:      ln,
		ICW:       NewICW(lcd),
		reasm:     sdlc.NewReassembler(),
		lpGrant:   1,
		stationID: ln.StationAddress,
	}
}

// SetLPGrantedUnits records lp_granted_units (the local peer's DLSw flow
// control budget), consulted by the RR/RNR supervisory-response rule in
// PCF 7 (spec §4.4 "Supervisory response").
func (u *Unit) SetLPGrantedUnits(n int) {
	u.lpGrant = n
}

// Scanner drives the cooperative PCF sweep across all lines (spec §5: "One
// scanner worker running the cooperative PCF loop over all lines").
type Scanner struct {
	units  []*Unit
	logger *slog.Logger
}

// New returns a Scanner over the given units.
func New(units []*Unit, logger *slog.Logger) *Scanner {
	return &Scanner{units: units, logger: logger}
}

// Run executes the sweep loop until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, u := range s.units {
				s.step(u)
			}
		}
	}
}

// step executes exactly one PCF dispatch cycle for one line, per spec
// §4.4's three numbered steps.
func (s *Scanner) step(u *Unit) {
	w := u.ICW

	w.mu.Lock()
	// Step 1: adopt pending PCF.
	if w.PCFNext != w.PCF {
		w.PCFPrev = w.PCF
		w.PCF = w.PCFNext
		if w.PCF == PCFNoOp {
			w.LNEState = LNEReset
		}
	}
	current := w.PCF
	suspended := w.svcReqL2 && isSuspendedWhileL2Pending(current)
	w.mu.Unlock()

	if suspended {
		return
	}

	// Step 2: dispatch.
	raise := s.dispatch(u, current)

	// Step 3: post-process.
	if raise {
		w.WaitL2Clear()
		w.RaiseL2()
	}
}

// isSuspendedWhileL2Pending reports whether PCF p must yield while a
// previous service request is still outstanding (spec §4.4 "Ordering
// guarantees": "While svc_req_L2 == ON, PCF 6/7/8/9/A/D are suspended").
func isSuspendedWhileL2Pending(p PCF) bool {
	switch p {
	case PCFRecvInfoBlock, PCFRecvInfoAllow, PCFTxInitial, PCFTxNormal, PCFTxNewSync, PCFTurnaroundRTSOn:
		return true
	default:
		return false
	}
}

// dispatch executes the behavior for one PCF state and reports whether a
// level-2 interrupt must be raised for this cycle.
func (s *Scanner) dispatch(u *Unit, p PCF) (raiseL2 bool) {
	w := u.ICW
	switch p {
	case PCFNoOp:
		return false

	case PCFSetMode:
		w.mu.Lock()
		w.SDF |= SDFDTR
		w.mu.Unlock()
		u.Line.Signals.OnDTRSet()
		s.advance(w, PCFNoOp)
		return true

	case PCFMonitorDSR:
		if u.Line.Signals.DCDHigh() {
			w.mu.Lock()
			w.SCF |= SCFDCDState
			w.mu.Unlock()
			if u.Line.Signals.DSRHigh() {
				s.advance(w, PCFMonitorFlagBlock)
				return true
			}
		}
		return false

	case PCFMonitorDSRRI:
		s.advance(w, PCFNoOp)
		return true

	case PCFMonitorFlagBlock, PCFMonitorFlagAllow:
		return s.dispatchMonitorFlag(u, p)

	case PCFRecvInfoBlock:
		return s.dispatchRecvBlock(u)

	case PCFRecvInfoAllow:
		return s.dispatchRecvAllow(u)

	case PCFTxInitial:
		return s.dispatchTxInitial(u)

	case PCFTxNormal, PCFTxNewSync:
		return s.dispatchTxNormal(u)

	case PCFTurnaroundRTSOff:
		return s.dispatchTurnaround(u, false)

	case PCFTurnaroundRTSOn:
		return s.dispatchTurnaroundRTSOn(u)

	case PCFDisable:
		w.mu.Lock()
		w.SDF &^= SDFDTR
		w.SCF |= SCFServiceRequest
		w.mu.Unlock()
		// OnDTRClear also tells the remote CTS=0 when it was set; the changed
		// remote byte is then written to the signal channel.
		if u.Line.Signals.OnDTRClear() {
			u.Line.WriteSignalByte(u.Line.Signals.Remote())
		}
		s.advance(w, PCFNoOp)
		return true

	default: // PCFUnusedB, PCFUnusedE
		return false
	}
}

// advance performs a scanner-internal PCF transition: PCF and PCFNext are
// both updated so the following cycle's "adopt pending PCF" step is a
// no-op for this move (PCFNext stays the channel the NCP writes through).
func (s *Scanner) advance(w *ICW, next PCF) {
	w.mu.Lock()
	w.PCFPrev = w.PCF
	w.PCF = next
	w.PCFNext = next
	w.mu.Unlock()
}

func (s *Scanner) dispatchMonitorFlag(u *Unit, p PCF) (raiseL2 bool) {
	w := u.ICW
	if !u.Line.Signals.DSRHigh() {
		s.advance(w, PCFMonitorDSR)
		return true
	}

	lcd := w.Snapshot().LCD
	b, ok := u.Line.RX.Pop()
	if !ok {
		return false
	}
	if lcd == LCDBsc {
		if b == 0x32 { // SYN
			s.advance(w, PCFRecvInfoAllow)
		}
		return false
	}
	// SDLC: wait for the opening flag.
	if b == sdlc.Flag {
		s.advance(w, PCFRecvInfoBlock)
	}
	return false
}

func (s *Scanner) dispatchRecvBlock(u *Unit) (raiseL2 bool) {
	w := u.ICW
	b, ok := u.Line.RX.Pop()
	if !ok {
		return false
	}
	// Feed the reassembler from the opening flag onward so the trailer scan
	// in PCF 7 sees the whole frame, not just the bytes received after the
	// PCF 6 -> 7 handoff.
	u.reasm.Feed(b)
	if b == sdlc.Flag {
		w.mu.Lock()
		w.SCF |= SCFFlagDetected
		w.mu.Unlock()
		return false
	}
	w.mu.Lock()
	w.PDF = b
	w.PDFReg = PDFFilled
	w.mu.Unlock()
	s.advance(w, PCFRecvInfoAllow)
	return true
}

func (s *Scanner) dispatchRecvAllow(u *Unit) (raiseL2 bool) {
	w := u.ICW
	b, ok := u.Line.RX.Pop()
	if !ok {
		return false
	}
	frame, complete := u.reasm.Feed(b)
	if complete {
		w.mu.Lock()
		w.LNEState = LNETx
		w.SCF |= SCFFlagDetected
		w.mu.Unlock()
		s.handleCompleteFrame(u, frame)
		s.advance(w, PCFRecvInfoBlock)
		return true
	}
	w.mu.Lock()
	w.PDF = b
	w.mu.Unlock()
	return true
}

// handleCompleteFrame applies the spec §4.4 SDLC-framer responses (RR/RNR,
// SNRM/UA, XID) once a full frame has been reassembled. I-frames are passed
// to the handler registered via SetIFrameHandler (and dropped if there is
// none); control frames are answered by the scanner itself.
func (s *Scanner) handleCompleteFrame(u *Unit, frame []byte) {
	_, ctrl, _, ok := sdlc.StripFraming(frame)
	if !ok {
		u.reasm.Reset()
		return
	}
	c := sdlc.DecodeControl(ctrl)

	switch c.Type {
	case sdlc.FrameI:
		if u.onIFrame != nil {
			u.onIFrame(frame)
		}
	case sdlc.FrameS:
		if c.Cmd == sdlc.CmdRR && c.Poll && u.Line.TX.Empty() {
			s.replySupervisory(u)
		}
	case sdlc.FrameU:
		switch c.Cmd {
		case sdlc.CmdSNRM:
			if c.Poll {
				s.replyUA(u)
			}
		case sdlc.CmdXID:
			if c.Poll {
				s.replyXID(u)
			}
		}
	}
}

// replySupervisory answers a polled RR with empty tx-buf: RR if
// lp_granted_units > 0, else RNR, Final set, current Nr (spec §4.4).
func (s *Scanner) replySupervisory(u *Unit) {
	cmd := byte(sdlc.CmdRR)
	if u.lpGrant <= 0 {
		cmd = sdlc.CmdRNR
	}
	ctrl := sdlc.EncodeSControl(cmd, u.seqNr(), true)
	u.Line.TX.Push(sdlc.BuildFrame(u.stationID, ctrl, nil))
	u.Line.WriteData(u.Line.TX.Drain())
}

// replyUA answers a polled SNRM with UA, Final set, and resets sequence
// counters and tx-buf length (spec §4.4).
func (s *Scanner) replyUA(u *Unit) {
	u.resetSeq()
	ctrl := sdlc.EncodeUControl(sdlc.CmdUA, true)
	u.Line.TX.Drain()
	u.Line.WriteData(sdlc.BuildFrame(u.stationID, ctrl, nil))
}

// replyXID answers a polled XID with the PU type/IDBLK/IDNUM payload last
// recorded via SetXID (spec §4.4). While no payload has been recorded, the
// XID response carries no identity bytes.
func (s *Scanner) replyXID(u *Unit) {
	ctrl := sdlc.EncodeUControl(sdlc.CmdXID, true)
	payload := u.xidResponse()
	u.Line.WriteData(sdlc.BuildFrame(u.stationID, ctrl, payload))
}

func (s *Scanner) dispatchTxInitial(u *Unit) (raiseL2 bool) {
	w := u.ICW
	u.Line.Signals.OnRTSSet()
	u.Line.WriteSignalByte(u.Line.Signals.Remote())
	if !u.Line.Signals.CTSHigh() {
		return false
	}
	// Write the opening byte (SDLC: empty payload opener — the flag is
	// implicit in BuildFrame, so nothing to push here yet) and advance.
	w.mu.Lock()
	w.Sync = true
	w.mu.Unlock()
	s.advance(w, PCFTxNormal)
	return false
}

func (s *Scanner) dispatchTxNormal(u *Unit) (raiseL2 bool) {
	w := u.ICW
	w.mu.Lock()
	filled := w.PDFReg == PDFFilled
	b := w.PDF
	if filled {
		w.PDFReg = PDFEmpty
	}
	w.mu.Unlock()
	if !filled {
		return false
	}
	u.Line.TX.PushByte(b)
	return true
}

func (s *Scanner) dispatchTurnaround(u *Unit, rtsOn bool) (raiseL2 bool) {
	w := u.ICW
	frame := u.Line.TX.Drain()
	if len(frame) > 0 {
		u.Line.WriteData(frame)
	}
	w.mu.Lock()
	w.LNEState = LNERx
	w.Sync = false
	w.mu.Unlock()

	if !rtsOn {
		u.Line.Signals.OnTurnaround()
		u.Line.WriteSignalByte(u.Line.Signals.Remote())
	}
	s.advance(w, PCFMonitorFlagAllow)
	return true
}

func (s *Scanner) dispatchTurnaroundRTSOn(u *Unit) (raiseL2 bool) {
	w := u.ICW
	frame := u.Line.TX.Drain()
	if len(frame) > 0 {
		u.Line.WriteData(frame)
	}
	w.mu.Lock()
	w.LNEState = LNERx
	w.Sync = false
	lcd := w.LCD
	w.mu.Unlock()

	if lcd == LCDBsc {
		s.advance(w, PCFMonitorFlagAllow)
		return true
	}
	// SDLC: next PCF is NCP-set; leave PCFNext alone for the CPU to drive,
	// but still raise L2 per the table's "raise L2" for row D.
	return true
}
