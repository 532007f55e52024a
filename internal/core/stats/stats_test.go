package stats

import (
	"sync/atomic"
	"testing"
)

// fakeSession is a minimal stats.Session for registry tests.
type fakeSession struct {
	upstream int
	client   string
	listen   string
	target   string
	closed   atomic.Bool
}

func (f *fakeSession) ForceClose()        { f.closed.Store(true) }
func (f *fakeSession) IsClosed() bool     { return f.closed.Load() }
func (f *fakeSession) UpstreamIndex() int { return f.upstream }
func (f *fakeSession) ClientAddr() string { return f.client }
func (f *fakeSession) ListenAddr() string { return f.listen }
func (f *fakeSession) TargetAddr() string { return f.target }

func newFakeSession() *fakeSession {
	return &fakeSession{
		upstream: 0,
		client:   "10.0.0.1:50000",
		listen:   "127.0.0.1:1080",
		target:   "example.com:443",
	}
}

func TestAddSessionIndexesAllThreeMaps(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	r.AddSession(s)
	r.ConnectCountAdd(s)

	snap := r.Snapshot()
	if len(snap.Upstreams) != 1 || len(snap.Clients) != 1 || len(snap.Listeners) != 1 {
		t.Fatalf("bucket counts = %d/%d/%d, want 1/1/1",
			len(snap.Upstreams), len(snap.Clients), len(snap.Listeners))
	}
	for _, b := range [][]InfoSnapshot{snap.Upstreams, snap.Clients, snap.Listeners} {
		if len(b[0].Sessions) != 1 {
			t.Errorf("bucket %q has %d sessions, want exactly 1", b[0].Key, len(b[0].Sessions))
		}
		if b[0].ConnectCount != 1 {
			t.Errorf("bucket %q connectCount = %d, want 1", b[0].Key, b[0].ConnectCount)
		}
		if b[0].LastUseUpstreamIndex != 0 {
			t.Errorf("bucket %q lastUseUpstreamIndex = %d", b[0].Key, b[0].LastUseUpstreamIndex)
		}
	}
}

func TestUpdateSessionRefreshesTargetInPlace(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	r.AddSession(s)

	s.target = "changed.example.org:8443"
	r.UpdateSession(s)

	snap := r.Snapshot()
	for _, b := range [][]InfoSnapshot{snap.Upstreams, snap.Clients, snap.Listeners} {
		if got := b[0].Sessions[0].TargetAddr; got != "changed.example.org:8443" {
			t.Errorf("bucket %q target = %q after update", b[0].Key, got)
		}
		if len(b[0].Sessions) != 1 {
			t.Errorf("update inserted a duplicate into bucket %q", b[0].Key)
		}
	}
}

func TestUpdateSessionNeverInserts(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	// update without add: locate, absent, leave absent
	r.UpdateSession(s)
	snap := r.Snapshot()
	for _, buckets := range [][]InfoSnapshot{snap.Upstreams, snap.Clients, snap.Listeners} {
		for _, b := range buckets {
			if len(b.Sessions) != 0 {
				t.Errorf("UpdateSession inserted into bucket %q", b.Key)
			}
		}
	}
}

func TestPruneDropsClosedSessions(t *testing.T) {
	r := NewRegistry()
	s1 := newFakeSession()
	s2 := newFakeSession()
	s2.client = "10.0.0.2:50001"
	r.AddSession(s1)
	r.AddSession(s2)

	s1.ForceClose()
	r.Prune()

	snap := r.Snapshot()
	if got := len(snap.Upstreams[0].Sessions); got != 1 {
		t.Fatalf("upstream bucket has %d sessions after prune, want 1", got)
	}
	if snap.Upstreams[0].Sessions[0].ClientAddr != s2.client {
		t.Error("prune removed the wrong session")
	}

	// prune is idempotent
	r.Prune()
	if got := len(r.Snapshot().Upstreams[0].Sessions); got != 1 {
		t.Errorf("second prune changed the session count to %d", got)
	}
}

func TestTickDeltasAndMaxima(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	r.AddSession(s)

	// first tick snapshots byteUp=0
	r.Tick()
	r.AddByteUp(s, 1500)
	r.AddByteDown(s, 300)
	// second tick sees the deltas
	r.Tick()

	snap := r.Snapshot()
	b := snap.Upstreams[0]
	if b.ByteUpChange != 1500 {
		t.Errorf("byteUpChange = %d, want 1500", b.ByteUpChange)
	}
	if b.ByteDownChange != 300 {
		t.Errorf("byteDownChange = %d, want 300", b.ByteDownChange)
	}
	if b.ByteUpChangeMax != 1500 {
		t.Errorf("byteUpChangeMax = %d, want 1500", b.ByteUpChangeMax)
	}

	// an idle tick zeroes the delta but keeps the maximum
	r.Tick()
	b = r.Snapshot().Upstreams[0]
	if b.ByteUpChange != 0 {
		t.Errorf("idle byteUpChange = %d, want 0", b.ByteUpChange)
	}
	if b.ByteUpChangeMax != 1500 {
		t.Errorf("idle byteUpChangeMax = %d, want 1500", b.ByteUpChangeMax)
	}
	if b.ByteUp != 1500 {
		t.Errorf("byteUp total = %d, want 1500", b.ByteUp)
	}
}

func TestByteCountersMonotonic(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	r.AddSession(s)
	var last uint64
	for i := 0; i < 10; i++ {
		r.AddByteUp(s, 7)
		got := r.Snapshot().Upstreams[0].ByteUp
		if got < last {
			t.Fatalf("byteUp went backwards: %d -> %d", last, got)
		}
		last = got
	}
}

func TestCloseAllByBucket(t *testing.T) {
	r := NewRegistry()
	s1 := newFakeSession()
	s2 := newFakeSession()
	s2.client = "10.0.0.2:50001"
	s3 := newFakeSession()
	s3.upstream = 1
	s3.client = "10.0.0.3:50002"
	r.AddSession(s1)
	r.AddSession(s2)
	r.AddSession(s3)

	r.CloseAll(0)
	if !s1.IsClosed() || !s2.IsClosed() {
		t.Error("CloseAll(0) did not close every session in the bucket")
	}
	if s3.IsClosed() {
		t.Error("CloseAll(0) closed a session of a different upstream")
	}

	r.CloseAllClient(s3.client)
	if !s3.IsClosed() {
		t.Error("CloseAllClient did not close the session")
	}
}

func TestConnectCountBalance(t *testing.T) {
	r := NewRegistry()
	s := newFakeSession()
	r.AddSession(s)
	r.ConnectCountAdd(s)
	r.ConnectCountSub(s)
	snap := r.Snapshot()
	for _, b := range [][]InfoSnapshot{snap.Upstreams, snap.Clients, snap.Listeners} {
		if b[0].ConnectCount != 0 {
			t.Errorf("bucket %q connectCount = %d after add+sub", b[0].Key, b[0].ConnectCount)
		}
	}
}

func TestAddSessionReplacesSameKey(t *testing.T) {
	r := NewRegistry()
	s1 := newFakeSession()
	r.AddSession(s1)
	// same (client, listen) pair re-registers in place
	s2 := newFakeSession()
	s2.target = "other.example.net:80"
	r.AddSession(s2)

	snap := r.Snapshot()
	if got := len(snap.Clients[0].Sessions); got != 1 {
		t.Fatalf("duplicate key produced %d session records, want 1", got)
	}
	if snap.Clients[0].Sessions[0].TargetAddr != s2.target {
		t.Error("re-add did not replace the record in place")
	}
}
