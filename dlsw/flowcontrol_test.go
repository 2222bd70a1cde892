package dlsw

import "testing"

func TestFlowControlStressEmitsSingleIFCMAtThreshold(t *testing.T) {
	f := &FlowControl{CurrentWindow: 4, RPGrantedUnits: 8}

	var ifcmCount int
	for i := 0; i < 5; i++ {
		_, sendIFCM, protoErr := f.OnReceive(0)
		if protoErr {
			t.Fatalf("unexpected protocol error on frame %d", i+1)
		}
		if sendIFCM {
			ifcmCount++
			if i != 3 {
				t.Fatalf("IFCM sent after frame %d, want after frame 4", i+1)
			}
		}
	}
	if ifcmCount != 1 {
		t.Fatalf("ifcmCount = %d, want exactly 1", ifcmCount)
	}
}

func TestFlowControlFCISetsReplyFCA(t *testing.T) {
	f := &FlowControl{CurrentWindow: 20, RPGrantedUnits: 20}
	reply, _, _ := f.OnReceive(FCIBit)
	if reply&FCABit == 0 {
		t.Fatal("expected reply FCB to carry FCA when incoming FCI is set")
	}
}

func TestFlowControlUnexpectedFCAIsProtocolError(t *testing.T) {
	f := &FlowControl{CurrentWindow: 20, RPGrantedUnits: 20}
	_, _, protoErr := f.OnReceive(FCABit)
	if !protoErr {
		t.Fatal("expected protocol error on unowed FCA")
	}
}

func TestFlowControlOwedFCAClearsCleanly(t *testing.T) {
	f := &FlowControl{CurrentWindow: 4, RPGrantedUnits: 20, FCAOwed: true}
	_, _, protoErr := f.OnReceive(FCABit)
	if protoErr {
		t.Fatal("unexpected protocol error when FCA was owed")
	}
	if f.FCAOwed {
		t.Fatal("expected FCAOwed cleared after matching FCA")
	}
}
