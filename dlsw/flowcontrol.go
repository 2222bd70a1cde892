package dlsw

// FlowControl tracks the per-circuit pacing counters of RFC 1795 §8.7 (spec
// §4.5 "Flow-control discipline").
type FlowControl struct {
	InitWindow     int
	CurrentWindow  int
	RPGrantedUnits int // rp_granted_units: remote peer's budget as we see it
	LPGrantedUnits int // lp_granted_units: our own budget, granted by the peer
	FCAOwed        bool
	FCADue         bool
}

// NewFlowControl seeds the counters from the capabilities-exchange pacing
// window (spec §4.5: "Adopt init_window; init current_window,
// rp_granted_units, lp_granted_units").
func NewFlowControl(initWindow int) *FlowControl {
	return &FlowControl{
		InitWindow:     initWindow,
		CurrentWindow:  initWindow,
		RPGrantedUnits: initWindow,
		LPGrantedUnits: initWindow,
	}
}

// OnReceive applies the receive-side discipline to one incoming message's
// flow-control byte, returning the flow-control byte to use on this
// message's reply (if any) and whether an independent IFCM must also be
// sent. protoErr is set if an FCA arrived that was never owed (spec: "if it
// wasn't set, report protocol error" — logged and ignored, never fatal, per
// §7).
func (f *FlowControl) OnReceive(incoming byte) (replyFCB byte, sendIFCM bool, protoErr bool) {
	if incoming&FCIBit != 0 {
		replyFCB |= FCABit
		f.FCADue = true
	}

	f.RPGrantedUnits--

	if incoming&FCABit != 0 {
		if !f.FCAOwed {
			protoErr = true
		}
		f.FCAOwed = false
	}

	if f.RPGrantedUnits <= f.CurrentWindow && !f.FCAOwed {
		sendIFCM = true
		f.RPGrantedUnits += f.CurrentWindow
		f.FCAOwed = true
	}

	return replyFCB, sendIFCM, protoErr
}

// BuildIFCM returns the flow-control byte for an Independent Flow Control
// Message in steady state: FCI set, operator RPT (spec: "Only RPT is
// emitted in steady state").
func (f *FlowControl) BuildIFCM() byte {
	return FCIBit | FCORepeat
}
