package pool

import (
	"testing"
	"time"
)

func TestDelayHistoryTrim(t *testing.T) {
	h := NewDelayHistory()
	h.SetMaxSize(4)
	for i := 1; i <= 6; i++ {
		h.Add(time.Duration(i) * time.Millisecond)
	}
	got := h.History()
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	// the two oldest samples were dropped one at a time
	if got[0].Delay != 3*time.Millisecond {
		t.Errorf("oldest surviving sample = %v, want 3ms", got[0].Delay)
	}
	if got[3].Delay != 6*time.Millisecond {
		t.Errorf("newest sample = %v, want 6ms", got[3].Delay)
	}
}

func TestDelayHistoryShrinkRecreates(t *testing.T) {
	h := NewDelayHistory()
	for i := 0; i < 10; i++ {
		h.Add(time.Duration(i) * time.Millisecond)
	}
	h.SetMaxSize(3)
	got := h.History()
	if len(got) != 3 {
		t.Fatalf("len = %d after shrink, want 3", len(got))
	}
	if got[0].Delay != 7*time.Millisecond {
		t.Errorf("oldest surviving sample = %v, want 7ms", got[0].Delay)
	}
}

func TestDelayHistorySnapshotIsCopy(t *testing.T) {
	h := NewDelayHistory()
	h.Add(5 * time.Millisecond)
	snap := h.History()
	snap[0].Delay = 99 * time.Millisecond

	if got := h.History()[0].Delay; got != 5*time.Millisecond {
		t.Errorf("mutating the snapshot leaked into the history: %v", got)
	}
}

func TestDelayHistoryOrdering(t *testing.T) {
	h := NewDelayHistory()
	h.Add(3 * time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	h.Add(1 * time.Millisecond)
	got := h.History()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Before(got[1]) {
		t.Error("samples are not in append (wall time) order")
	}
}

func TestDelayInfoTieBreak(t *testing.T) {
	at := time.Now()
	a := DelayInfo{Delay: 1 * time.Millisecond, At: at}
	b := DelayInfo{Delay: 2 * time.Millisecond, At: at}
	if !a.Before(b) {
		t.Error("equal wall time must tie-break on delay")
	}
	if b.Before(a) {
		t.Error("tie-break inverted")
	}
}

func TestDelayCollectLast(t *testing.T) {
	c := NewDelayCollect()
	tcp, httpPing, relayFirst := c.Last()
	if tcp != DelayInvalid || httpPing != DelayInvalid || relayFirst != DelayInvalid {
		t.Fatal("fresh DelayCollect must report DelayInvalid for every metric")
	}

	c.PushTcpPing(10 * time.Millisecond)
	c.PushHttpPing(20 * time.Millisecond)
	c.PushRelayFirstDelay(30 * time.Millisecond)

	tcp, httpPing, relayFirst = c.Last()
	if tcp != 10*time.Millisecond || httpPing != 20*time.Millisecond || relayFirst != 30*time.Millisecond {
		t.Errorf("Last() = %v %v %v", tcp, httpPing, relayFirst)
	}
	if len(c.HistoryTcpPing()) != 1 || len(c.HistoryHttpPing()) != 1 || len(c.HistoryRelayFirstDelay()) != 1 {
		t.Error("each push must land in its own history")
	}
}
