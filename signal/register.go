// Package signal models the RS-232 control-lead state of one emulated line:
// the six-bit signal register presented to the scanner (local) and the
// mirror sent to the remote TCP peer (remote), and the causal rules that
// derive one from the other (spec §4.2).
package signal

import "sync"

// Bit positions within a signal byte, per spec §3.
const (
	CTS = 0x80 // Clear To Send
	RI  = 0x40 // Ring Indicator
	DSR = 0x20 // Data Set Ready
	DCD = 0x10 // Data Carrier Detect
	RTS = 0x08 // Request To Send
	DTR = 0x04 // Data Terminal Ready
)

// Register holds the two signal bytes for one line: Local is what the
// 3705-as-DCE presents to the scanner, Remote is what gets sent to the
// far-end peer over the signal TCP channel.
type Register struct {
	mu     sync.Mutex
	local  byte
	remote byte
}

// Local returns the current local signal byte.
func (r *Register) Local() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// Remote returns the current remote signal byte (what we last told the peer).
func (r *Register) Remote() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote
}

func (r *Register) setLocal(mask byte, on bool) {
	if on {
		r.local |= mask
	} else {
		r.local &^= mask
	}
}

func (r *Register) setRemote(mask byte, on bool) {
	if on {
		r.remote |= mask
	} else {
		r.remote &^= mask
	}
}

// OnSignalAccept applies the baseline asserted the moment the signal TCP
// channel is accepted: DCD=1, RI=1 (spec §4.1, §4.2 trigger table row 1).
func (r *Register) OnSignalAccept() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(DCD|RI, true)
}

// OnDataLost clears DCD, DSR, RI when the data connection is lost (spec §4.2
// row "Data connection lost"). Per spec §3 invariant, when there is no data
// connection at all Local must be exactly zero; callers that are tearing
// down the whole line call Reset instead.
func (r *Register) OnDataLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(DCD|DSR|RI, false)
}

// Reset clears the local register entirely — used when a line has no data
// connection at all (spec §3 invariant: local_signals = 0 in that case).
func (r *Register) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = 0
	r.remote = 0
}

// OnDTRSet handles the NCP setting DTR via ICW.sdf bit 0x08: DTR=1, and the
// line becomes ready enough to report DSR=1 (spec §4.2 row 2).
func (r *Register) OnDTRSet() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(DTR, true)
	r.setLocal(DSR, true)
}

// OnDTRClear handles the NCP clearing DTR: DSR=0, RTS=0 locally, and CTS=0
// is told to the remote peer (spec §4.2 row "NCP clears DTR").
func (r *Register) OnDTRClear() (tellRemoteClearCTS bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(DTR, false)
	r.setLocal(DSR, false)
	r.setLocal(RTS, false)
	wasSet := r.remote&CTS != 0
	r.setRemote(CTS, false)
	return wasSet
}

// OnTurnaround drops RTS locally and tells the remote CTS=0, without
// touching DTR/DSR (spec §4.4 PCF C: "drop RTS and CTS").
func (r *Register) OnTurnaround() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(RTS, false)
	r.setRemote(CTS, false)
}

// OnRTSSet handles the NCP driving PCF to 8 (raise RTS): RTS=1 locally, and
// the caller must propagate RTS=1 to the remote peer over the signal
// channel (spec §4.2 row "NCP sets RTS").
func (r *Register) OnRTSSet() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(RTS, true)
	r.setRemote(RTS, true)
}

// OnRemoteRTS handles an RTS=1 byte arriving from the remote peer. If local
// DTR is set and the rx buffer is empty, the caller should reply CTS=1 to
// the remote (spec §4.2 row "Remote sends RTS=1").
func (r *Register) OnRemoteRTS(rxBufEmpty bool) (replyCTS bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local&DTR != 0 && rxBufEmpty {
		r.setRemote(CTS, true)
		return true
	}
	return false
}

// OnRemoteCTS handles a CTS=1 byte arriving from the remote peer: the
// scanner may now transmit (spec §4.2 row "Remote sends CTS=1").
func (r *Register) OnRemoteCTS() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocal(CTS, true)
}

// CTSHigh reports whether the local CTS bit (set by OnRemoteCTS) is high —
// the scanner's gate for advancing PCF 8 -> 9.
func (r *Register) CTSHigh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local&CTS != 0
}

// DCDHigh reports the local DCD bit, the gate the scanner polls in PCF 2.
func (r *Register) DCDHigh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local&DCD != 0
}

// DSRHigh reports the local DSR bit, the gate the scanner polls in PCF 2/4/5.
func (r *Register) DSRHigh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local&DSR != 0
}

// ApplyRemoteByte coalesces and evaluates one byte received on the signal
// channel, applying whichever of the trigger rules it implies. Only the
// RTS/CTS bits of an inbound byte drive remote-triggered behavior; DCD/DSR/
// RI/DTR on the wire describe the peer's own line and are not mirrored back
// (they are derived locally from DTR/RTS state instead, per the table).
func (r *Register) ApplyRemoteByte(b byte, rxBufEmpty bool) (replyCTS bool) {
	if b&RTS != 0 {
		replyCTS = r.OnRemoteRTS(rxBufEmpty)
	}
	if b&CTS != 0 {
		r.OnRemoteCTS()
	}
	return replyCTS
}
