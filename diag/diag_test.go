package diag

import "testing"

func TestPanicInvokesHaltHookWithReason(t *testing.T) {
	prev := HaltHook
	defer func() { HaltHook = prev }()

	var got string
	HaltHook = func(reason string) { got = reason }

	Panic("corrupt retype state", nil, 64)
	if got != "corrupt retype state" {
		t.Fatalf("HaltHook reason = %q, want %q", got, "corrupt retype state")
	}
}

func TestPanicDecodesFaultingInstruction(t *testing.T) {
	prev := HaltHook
	defer func() { HaltHook = prev }()
	var called bool
	HaltHook = func(string) { called = true }

	// 0x90 is NOP in every x86 mode; decoding it should not error.
	Panic("bad opcode", []byte{0x90}, 64)
	if !called {
		t.Fatalf("HaltHook was not invoked")
	}
}

func TestDecodeFaultNop(t *testing.T) {
	inst, err := DecodeFault([]byte{0x90}, 64)
	if err != nil {
		t.Fatalf("DecodeFault: %v", err)
	}
	if inst.Len != 1 {
		t.Fatalf("decoded instruction length = %d, want 1", inst.Len)
	}
}

func TestDistinctCallerSuppressesRepeats(t *testing.T) {
	dc := &DistinctCaller{Enabled: true}

	first, trace := dc.Distinct()
	if !first || trace == "" {
		t.Fatalf("first Distinct() call should report a new chain with a trace")
	}
	second, _ := dc.Distinct()
	if second {
		t.Fatalf("second Distinct() call from the same chain should be suppressed")
	}
	if dc.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", dc.Len())
	}
}

func TestDistinctCallerDisabledNeverReports(t *testing.T) {
	dc := &DistinctCaller{}
	if seen, _ := dc.Distinct(); seen {
		t.Fatalf("disabled DistinctCaller should never report a new chain")
	}
}

func TestDistinctCallerWhitelistSuppresses(t *testing.T) {
	dc := &DistinctCaller{Enabled: true, Whitel: map[string]bool{
		"nucleus/diag.TestDistinctCallerWhitelistSuppresses": true,
	}}
	// Distinct records the chain from its caller's caller, so call it
	// through a closure to put this function in the recorded chain.
	distinct := func() bool { seen, _ := dc.Distinct(); return seen }
	if distinct() {
		t.Fatalf("whitelisted caller should be suppressed")
	}
}
