package pool

import (
	"testing"
	"time"

	"socks5balancer/internal/shared/types"
)

func makeTestPool(n int, rule types.Rule, changeTimeMs int) *Pool {
	cfg := new(types.Config)
	cfg.BalanceConf.Rule = string(rule)
	cfg.BalanceConf.ServerChangeTime = changeTimeMs

	ups := make([]*types.UpstreamProfile, 0, n)
	for i := 0; i < n; i++ {
		ups = append(ups, &types.UpstreamProfile{
			Name: "u",
			Host: "127.0.0.1",
			Port: 11080 + i,
		})
	}
	p := New()
	p.SetConfig(cfg, ups)
	return p
}

func markEligible(s *Server) {
	s.ReportTCPAlive()
	s.ReportConnectOK("status_code:200")
}

func TestSelectLoopRotation(t *testing.T) {
	p := makeTestPool(3, types.RuleLoop, 0)
	for _, s := range p.Servers() {
		markEligible(s)
	}

	// cursor starts at 0 and always advances first
	want := []int{1, 2, 0}
	for i, w := range want {
		s := p.Select()
		if s == nil {
			t.Fatalf("Select() %d returned nil", i)
		}
		if s.Index != w {
			t.Errorf("Select() %d = index %d, want %d", i, s.Index, w)
		}
	}
}

func TestSelectLoopSkipsIneligible(t *testing.T) {
	p := makeTestPool(3, types.RuleLoop, 0)
	for _, s := range p.Servers() {
		markEligible(s)
	}
	s1, _ := p.Get(1)
	s1.ReportTCPDead()

	if s := p.Select(); s == nil || s.Index != 2 {
		t.Fatalf("expected index 2 skipping offline index 1, got %v", s)
	}
	if s := p.Select(); s == nil || s.Index != 0 {
		t.Fatalf("expected index 0, got %v", s)
	}
	if s := p.Select(); s == nil || s.Index != 2 {
		t.Fatalf("expected index 2 on wrap, got %v", s)
	}
}

func TestSelectNoEligible(t *testing.T) {
	p := makeTestPool(3, types.RuleLoop, 0)
	if s := p.Select(); s != nil {
		t.Fatalf("expected nil from unprobed pool, got %v", s)
	}
	if !p.AllDown() {
		t.Error("AllDown() = false for unprobed pool")
	}
}

func TestSelectEmptyPool(t *testing.T) {
	for _, rule := range []types.Rule{types.RuleLoop, types.RuleOneByOne, types.RuleChangeByTime, types.RuleRandom} {
		p := makeTestPool(0, rule, 0)
		if s := p.Select(); s != nil {
			t.Errorf("rule %s: expected nil from empty pool, got %v", rule, s)
		}
	}
}

func TestSelectOneByOneSticks(t *testing.T) {
	p := makeTestPool(3, types.RuleOneByOne, 0)
	for _, s := range p.Servers() {
		markEligible(s)
	}

	// the cursor only moves when forced to
	for i := 0; i < 3; i++ {
		if s := p.Select(); s == nil || s.Index != 0 {
			t.Fatalf("Select() %d: expected index 0, got %v", i, s)
		}
	}

	s0, _ := p.Get(0)
	s0.ReportTCPDead()
	if s := p.Select(); s == nil || s.Index != 1 {
		t.Fatalf("expected advance to index 1, got %v", s)
	}
	if s := p.Select(); s == nil || s.Index != 1 {
		t.Fatalf("expected cursor to stay on index 1, got %v", s)
	}
}

func TestSelectChangeByTime(t *testing.T) {
	p := makeTestPool(3, types.RuleChangeByTime, 40)
	for _, s := range p.Servers() {
		markEligible(s)
	}
	// fresh lastChangeUpstreamTime from New(): inside the window, no advance
	p.mu.Lock()
	p.lastChangeUpstreamTime = time.Now()
	p.mu.Unlock()

	if s := p.Select(); s == nil || s.Index != 0 {
		t.Fatalf("expected index 0 inside the change window, got %v", s)
	}
	time.Sleep(60 * time.Millisecond)
	if s := p.Select(); s == nil || s.Index != 1 {
		t.Fatalf("expected advance to index 1 after window expiry, got %v", s)
	}
	// window was just reset
	if s := p.Select(); s == nil || s.Index != 1 {
		t.Fatalf("expected index 1 again inside the fresh window, got %v", s)
	}
}

func TestSetConfigPreservesChangeTime(t *testing.T) {
	p := makeTestPool(3, types.RuleChangeByTime, 30)
	for _, s := range p.Servers() {
		markEligible(s)
	}
	p.mu.Lock()
	p.lastChangeUpstreamTime = time.Now().Add(-time.Second)
	p.mu.Unlock()

	// SetConfig resets the cursor but keeps lastChangeUpstreamTime, so the
	// next change_by_time call may immediately advance.
	cfg := new(types.Config)
	cfg.BalanceConf.Rule = string(types.RuleChangeByTime)
	cfg.BalanceConf.ServerChangeTime = 30
	ups := []*types.UpstreamProfile{
		{Name: "a", Host: "127.0.0.1", Port: 11080},
		{Name: "b", Host: "127.0.0.1", Port: 11081},
	}
	p.SetConfig(cfg, ups)
	for _, s := range p.Servers() {
		markEligible(s)
	}

	if got := p.LastUseUpstreamIndex(); got != 0 {
		t.Fatalf("cursor not reset by SetConfig, got %d", got)
	}
	if s := p.Select(); s == nil || s.Index != 1 {
		t.Fatalf("expected immediate advance to index 1 after SetConfig, got %v", s)
	}
}

func TestSelectRandom(t *testing.T) {
	p := makeTestPool(3, types.RuleRandom, 0)
	for _, s := range p.Servers() {
		markEligible(s)
	}
	cursorBefore := p.LastUseUpstreamIndex()

	const draws = 600
	counts := make(map[int]int)
	for i := 0; i < draws; i++ {
		s := p.Select()
		if s == nil {
			t.Fatal("Select() returned nil with eligible servers")
		}
		counts[s.Index]++
	}
	for i := 0; i < 3; i++ {
		if counts[i] == 0 {
			t.Errorf("index %d never selected in %d draws", i, draws)
		}
		if counts[i] > draws*6/10 {
			t.Errorf("index %d selected %d/%d times, distribution looks skewed", i, counts[i], draws)
		}
	}
	if got := p.LastUseUpstreamIndex(); got != cursorBefore {
		t.Errorf("random rule moved the cursor: %d -> %d", cursorBefore, got)
	}
}

func TestSelectRandomNoneEligible(t *testing.T) {
	p := makeTestPool(2, types.RuleRandom, 0)
	if s := p.Select(); s != nil {
		t.Fatalf("expected nil, got %v", s)
	}
}

func TestManualDisableOverridesHealth(t *testing.T) {
	p := makeTestPool(2, types.RuleLoop, 0)
	for _, s := range p.Servers() {
		markEligible(s)
	}
	s1, _ := p.Get(1)
	s1.SetManualDisable(true)

	for i := 0; i < 4; i++ {
		if s := p.Select(); s == nil || s.Index != 0 {
			t.Fatalf("expected only index 0 selectable, got %v", s)
		}
	}
}

func TestConfigDisableStartsManualDisable(t *testing.T) {
	cfg := new(types.Config)
	cfg.BalanceConf.Rule = string(types.RuleLoop)
	p := New()
	p.SetConfig(cfg, []*types.UpstreamProfile{
		{Name: "a", Host: "127.0.0.1", Port: 11080, Disable: true},
	})
	s, _ := p.Get(0)
	if !s.IsManualDisable() {
		t.Error("configured disable flag did not start the server manually disabled")
	}
}

func TestForceSetLastIndex(t *testing.T) {
	p := makeTestPool(3, types.RuleLoop, 0)
	if !p.ForceSetLastIndex(2) {
		t.Fatal("ForceSetLastIndex(2) rejected")
	}
	if got := p.LastUseUpstreamIndex(); got != 2 {
		t.Fatalf("cursor = %d, want 2", got)
	}
	if p.ForceSetLastIndex(3) {
		t.Error("ForceSetLastIndex(3) accepted out-of-range index")
	}
	if p.ForceSetLastIndex(-1) {
		t.Error("ForceSetLastIndex(-1) accepted negative index")
	}
}

func TestEligibilityInvariant(t *testing.T) {
	s := NewServer(0, "a", "127.0.0.1", 11080, false)
	if s.Eligible() {
		t.Error("fresh server must not be eligible before both probes succeed")
	}
	s.ReportTCPAlive()
	if s.Eligible() {
		t.Error("TCP probe alone must not make a server eligible")
	}
	s.ReportConnectOK("status_code:200")
	if !s.Eligible() {
		t.Error("server with both probes passed must be eligible")
	}
	s.ReportConnectFailed("tls_handshake: timeout")
	if s.Eligible() {
		t.Error("lastConnectFailed must make a server ineligible")
	}
	s.ReportConnectOK("status_code:200")
	s.ReportTCPDead()
	if s.Eligible() {
		t.Error("isOffline must make a server ineligible")
	}
	s.ReportTCPAlive()
	s.SetManualDisable(true)
	if s.Eligible() {
		t.Error("manual disable must make a server ineligible")
	}
}

func TestTCPAliveAfterOfflineClearsConnectFailed(t *testing.T) {
	s := NewServer(0, "a", "127.0.0.1", 11080, false)
	s.ReportConnectFailed("socks5_connect_read: bad reply")
	s.ReportTCPDead()
	s.ReportTCPAlive()
	if s.Snapshot().LastConnectFailed {
		t.Error("TCP probe success after offline did not clear lastConnectFailed")
	}
	s.ReportConnectOK("status_code:200")
	if !s.Eligible() {
		t.Error("recovery path: server should be eligible again")
	}
}
