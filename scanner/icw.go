// Package scanner implements the Communication Scanner Type 2: the polled
// PCF/ICW state machine that drives one emulated line through bit-level
// receive/transmit phases and raises a level-2 service request on each
// event the CPU emulator must service (spec §4.4).
package scanner

import "sync"

// LNEState tracks line turnaround, replacing a bare integer flag with a
// tagged state per §9 Design Notes.
type LNEState int

const (
	LNEReset LNEState = iota
	LNETx
	LNERx
)

func (s LNEState) String() string {
	switch s {
	case LNEReset:
		return "reset"
	case LNETx:
		return "tx"
	case LNERx:
		return "rx"
	default:
		return "unknown"
	}
}

// PDFState is the PDF empty/filled handshake flag between scanner and NCP.
type PDFState int

const (
	PDFEmpty PDFState = iota
	PDFFilled
)

// LCD values (spec §3): line-code definer selects SDLC vs BSC framing.
const (
	LCDSdlc8 = 0x8
	LCDSdlc9 = 0x9
	LCDBsc   = 0xC
)

// SCF bits (spec §3): secondary-control flags.
const (
	SCFServiceRequest = 0x80
	SCFFlagDetected   = 0x40
	SCFDCDState       = 0x20
	// remaining bits are check bits, not assigned discrete meaning by spec.
)

// SDF bits (spec §3): serial-data field; only DTR is spec-assigned.
const (
	SDFDTR = 0x08
)

// PCF values, the 16-state automaton of spec §4.4.
type PCF int

const (
	PCFNoOp               PCF = 0x0
	PCFSetMode            PCF = 0x1
	PCFMonitorDSR         PCF = 0x2
	PCFMonitorDSRRI       PCF = 0x3
	PCFMonitorFlagBlock   PCF = 0x4
	PCFMonitorFlagAllow   PCF = 0x5
	PCFRecvInfoBlock      PCF = 0x6
	PCFRecvInfoAllow      PCF = 0x7
	PCFTxInitial          PCF = 0x8
	PCFTxNormal           PCF = 0x9
	PCFTxNewSync          PCF = 0xA
	PCFUnusedB            PCF = 0xB
	PCFTurnaroundRTSOff   PCF = 0xC
	PCFTurnaroundRTSOn    PCF = 0xD
	PCFUnusedE            PCF = 0xE
	PCFDisable            PCF = 0xF
)

// ICW is the Interface Control Word: the scanner's per-line control/status
// snapshot visible to the CPU emulator (spec §3).
type ICW struct {
	mu sync.Mutex

	SCF byte
	PDF byte
	LCD byte
	PCF PCF
	SDF byte

	PCFPrev PCF
	PCFNext PCF

	LNEState LNEState
	PDFReg   PDFState
	Sync     bool

	svcReqL2 bool
	svcCond  *sync.Cond
}

// NewICW returns an ICW initialized to PCF 0 (NO-OP), LCD SDLC, at rest.
func NewICW(lcd byte) *ICW {
	icw := &ICW{LCD: lcd}
	icw.svcCond = sync.NewCond(&icw.mu)
	return icw
}

// Snapshot is an atomically-published, read-only copy of the ICW fields the
// CPU observes, matching spec §4.4's ordering guarantee: "a PCF transition
// is never observed half-applied."
type Snapshot struct {
	SCF      byte
	PDF      byte
	LCD      byte
	PCF      PCF
	SDF      byte
	LNEState LNEState
	PDFReg   PDFState
}

// Snapshot returns the current published ICW state under lock.
func (w *ICW) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		SCF: w.SCF, PDF: w.PDF, LCD: w.LCD, PCF: w.PCF, SDF: w.SDF,
		LNEState: w.LNEState, PDFReg: w.PDFReg,
	}
}

// SetPCFNext is how the CPU (NCP) requests a state transition; the scanner
// adopts it at the top of its next cycle (spec §4.4 step 1, §3 invariant).
func (w *ICW) SetPCFNext(p PCF) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PCFNext = p
}

// FillPDF is how the CPU (NCP) supplies an outbound byte during transmit
// states (PCF 9/A); it marks PDFReg filled so the scanner knows to send it.
func (w *ICW) FillPDF(b byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PDF = b
	w.PDFReg = PDFFilled
}

// RaiseL2 sets the service-request flag and wakes anyone waiting on
// ClearL2. The scanner calls this at the end of a cycle that needs CPU
// attention (spec §4.4 step 3).
func (w *ICW) RaiseL2() {
	w.mu.Lock()
	w.SCF |= SCFServiceRequest
	w.svcReqL2 = true
	w.mu.Unlock()
	w.svcCond.Broadcast()
}

// ClearL2 is called by the CPU emulator once it has serviced the pending
// event; it wakes any scanner goroutine blocked in WaitL2Clear.
func (w *ICW) ClearL2() {
	w.mu.Lock()
	w.SCF &^= SCFServiceRequest
	w.svcReqL2 = false
	w.mu.Unlock()
	w.svcCond.Broadcast()
}

// L2Pending reports whether a service request is outstanding.
func (w *ICW) L2Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.svcReqL2
}

// WaitL2Clear blocks until no service request is outstanding. Spec §9
// prefers this condition-variable wait over the source's `usleep(1000)`
// busy spin.
func (w *ICW) WaitL2Clear() {
	w.mu.Lock()
	for w.svcReqL2 {
		w.svcCond.Wait()
	}
	w.mu.Unlock()
}
