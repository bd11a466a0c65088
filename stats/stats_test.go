package stats

import "testing"

func TestRdtscDisabledReadsZero(t *testing.T) {
	prev := ReadCycleCounter
	defer func() { ReadCycleCounter = prev }()
	ReadCycleCounter = func() uint64 { return 12345 }

	if got := Rdtsc(); got != 0 {
		t.Fatalf("Rdtsc() = %d, want 0 while Stats is disabled", got)
	}
}

func TestCounterIncNoopWhenStatsDisabled(t *testing.T) {
	var c Counter_t
	c.Inc()
	if c != 0 {
		t.Fatalf("Counter_t.Inc() = %d, want 0 while Stats is disabled", c)
	}
}

func TestCyclesAddNoopWhenTimingDisabled(t *testing.T) {
	var c Cycles_t
	c.Add(0)
	if c != 0 {
		t.Fatalf("Cycles_t.Add() = %d, want 0 while Timing is disabled", c)
	}
}

func TestStats2StringEmptyWhenStatsDisabled(t *testing.T) {
	type counters struct {
		Hits Counter_t
	}
	if got := Stats2String(counters{Hits: 3}); got != "" {
		t.Fatalf("Stats2String() = %q, want empty while Stats is disabled", got)
	}
}
