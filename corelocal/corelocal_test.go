package corelocal

import "testing"

func TestActiveThreadRoundTrip(t *testing.T) {
	ClearActiveThread()
	if _, ok := ActiveThread(); ok {
		t.Fatalf("expected no active thread initially")
	}
	SetActiveThread(7)
	f, ok := ActiveThread()
	if !ok || f != 7 {
		t.Fatalf("ActiveThread() = (%v,%v), want (7,true)", f, ok)
	}
}

func TestCallStackDepthLimit(t *testing.T) {
	for len(callStack) > 0 {
		PopCall()
	}
	for i := 0; i < callDepthLimit; i++ {
		if !PushCall(CallFrame{CallerThread: uint64(i)}) {
			t.Fatalf("PushCall #%d should succeed within depth limit", i)
		}
	}
	if PushCall(CallFrame{}) {
		t.Fatalf("PushCall beyond depth limit should fail")
	}
	f, ok := PopCall()
	if !ok || f.CallerThread != callDepthLimit-1 {
		t.Fatalf("PopCall returned %v, want last pushed frame", f)
	}
}
