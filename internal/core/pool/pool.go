package pool

import (
	"math/rand"
	"sync"
	"time"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// Pool is the authoritative registry of upstream servers and the selection
// policy state. The checker writes health state into the servers it holds;
// sessions call Select on every accepted connection.
type Pool struct {
	mu sync.Mutex

	servers          []*Server
	rule             types.Rule
	serverChangeTime time.Duration

	lastUseUpstreamIndex   int
	lastChangeUpstreamTime time.Time
	lastConnectComeTime    time.Time
}

func New() *Pool {
	now := time.Now()
	return &Pool{
		lastChangeUpstreamTime: now,
		lastConnectComeTime:    now,
	}
}

// SetConfig rebuilds the pool from configuration. The cursor is reset to 0;
// lastChangeUpstreamTime is preserved so change_by_time may advance on the
// very next Select.
func (p *Pool) SetConfig(cfg *types.Config, upstreams []*types.UpstreamProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rule = types.ParseRule(cfg.BalanceConf.Rule)
	p.serverChangeTime = cfg.ServerChangeDuration()
	p.servers = make([]*Server, 0, len(upstreams))
	for i, u := range upstreams {
		p.servers = append(p.servers, NewServer(i, u.Name, u.Host, u.Port, u.Disable))
	}
	p.lastUseUpstreamIndex = 0
}

// Servers returns the ordered pool contents.
func (p *Pool) Servers() []*Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Server(nil), p.servers...)
}

// Get returns the server at index i.
func (p *Pool) Get(i int) (*Server, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.servers) {
		return nil, false
	}
	return p.servers[i], true
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// Rule returns the active selection rule.
func (p *Pool) Rule() types.Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rule
}

// Select returns the next upstream to use under the configured rule, or nil
// when no eligible server exists.
func (p *Pool) Select() *Server {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *Server
	switch p.rule {
	case types.RuleLoop:
		s = p.nextServer()
	case types.RuleOneByOne:
		s = p.tryLastServer()
	case types.RuleChangeByTime:
		if time.Since(p.lastChangeUpstreamTime) > p.serverChangeTime {
			s = p.nextServer()
			p.lastChangeUpstreamTime = time.Now()
		} else {
			s = p.tryLastServer()
		}
	default: // random
		if valid := p.filterValidServer(); len(valid) > 0 {
			s = valid[rand.Intn(len(valid))]
		}
	}
	if s != nil {
		logger.Debug().Str("rule", string(p.rule)).Str("server", s.String()).Msg("Pool: selected upstream")
	} else {
		logger.Warn().Str("rule", string(p.rule)).Msg("Pool: no eligible upstream")
	}
	return s
}

// nextServer always advances the cursor first, so consecutive calls visit
// distinct servers. Wrapping back to the starting cursor means nothing is
// eligible. Callers hold p.mu.
func (p *Pool) nextServer() *Server {
	if len(p.servers) == 0 {
		return nil
	}
	start := p.lastUseUpstreamIndex
	for {
		p.lastUseUpstreamIndex++
		if p.lastUseUpstreamIndex >= len(p.servers) {
			p.lastUseUpstreamIndex = 0
		}
		if p.servers[p.lastUseUpstreamIndex].Eligible() {
			return p.servers[p.lastUseUpstreamIndex]
		}
		if p.lastUseUpstreamIndex == start {
			return nil
		}
	}
}

// tryLastServer keeps the cursor where it is while the current server stays
// eligible, advancing only when forced to. Callers hold p.mu.
func (p *Pool) tryLastServer() *Server {
	if len(p.servers) == 0 {
		return nil
	}
	if p.lastUseUpstreamIndex >= len(p.servers) {
		p.lastUseUpstreamIndex = 0
	}
	start := p.lastUseUpstreamIndex
	for {
		if p.servers[p.lastUseUpstreamIndex].Eligible() {
			return p.servers[p.lastUseUpstreamIndex]
		}
		p.lastUseUpstreamIndex++
		if p.lastUseUpstreamIndex >= len(p.servers) {
			p.lastUseUpstreamIndex = 0
		}
		if p.lastUseUpstreamIndex == start {
			return nil
		}
	}
}

// filterValidServer collects every currently eligible server. Callers hold
// p.mu.
func (p *Pool) filterValidServer() []*Server {
	valid := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		if s.Eligible() {
			valid = append(valid, s)
		}
	}
	return valid
}

// AllDown reports whether no server is currently eligible.
func (p *Pool) AllDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.servers {
		if s.Eligible() {
			return false
		}
	}
	return true
}

// ForceSetLastIndex moves the selection cursor, admin-triggered.
func (p *Pool) ForceSetLastIndex(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.servers) {
		return false
	}
	p.lastUseUpstreamIndex = i
	return true
}

func (p *Pool) LastUseUpstreamIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUseUpstreamIndex
}

// TouchConnectCome records that a client session was just accepted. The
// checker uses this to decide whether probing is worth the traffic.
func (p *Pool) TouchConnectCome() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastConnectComeTime = time.Now()
}

func (p *Pool) LastConnectComeTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastConnectComeTime
}

// Snapshot copies every server's state for the admin interface.
func (p *Pool) Snapshot() []ServerSnapshot {
	servers := p.Servers()
	out := make([]ServerSnapshot, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Snapshot())
	}
	return out
}
