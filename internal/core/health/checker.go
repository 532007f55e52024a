package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"socks5balancer/internal/core/pool"
	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// forceCheckDebounce spaces admin-triggered full cycles.
const forceCheckDebounce = 500 * time.Millisecond

// Checker 负责对上游池进行周期性的健康检查。
// Three timers run concurrently: the TCP reachability cycle, the end-to-end
// HTTPS-through-SOCKS5 cycle, and the all-down rescue timer.
type Checker struct {
	pool *pool.Pool
	cfg  *types.Config

	isAdditionTimerRunning atomic.Bool
	forceCheckPending      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p *pool.Pool, cfg *types.Config) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		pool:   p,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the three timer loops.
func (c *Checker) Start() {
	c.wg.Add(3)
	go c.timerLoop(c.cfg.TcpCheckStartDuration(), c.cfg.TcpCheckPeriodDuration(), c.tcpTick)
	go c.timerLoop(c.cfg.ConnectCheckStartDuration(), c.cfg.ConnectCheckPeriodDuration(), c.connectTick)
	go c.timerLoop(c.cfg.AdditionCheckPeriodDuration(), c.cfg.AdditionCheckPeriodDuration(), c.additionTick)
}

// Stop cancels the loops and waits for in-flight probes.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Checker) timerLoop(initial, period time.Duration, tick func()) {
	defer c.wg.Done()
	timer := time.NewTimer(initial)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			tick()
			timer.Reset(period)
		}
	}
}

// idleQuiet reports whether no client has arrived within the sleep window,
// in which case the periodic cycles skip their work entirely.
func (c *Checker) idleQuiet() bool {
	return time.Since(c.pool.LastConnectComeTime()) > c.cfg.SleepTimeDuration()
}

func (c *Checker) tcpTick() {
	if c.idleQuiet() {
		return
	}
	c.runTCPCycle()
}

func (c *Checker) connectTick() {
	if c.idleQuiet() {
		return
	}
	c.runConnectCycle()
}

// additionTick fires the out-of-band rescue cycle when every server fails
// the eligibility check while clients are still arriving.
func (c *Checker) additionTick() {
	if !c.pool.AllDown() {
		return
	}
	if c.idleQuiet() {
		return
	}
	c.runRescueCycle()
}

// runRescueCycle performs one full probe cycle guarded by a single-flight
// flag; a concurrent attempt is suppressed until 3x the addition period has
// elapsed since the last one.
func (c *Checker) runRescueCycle() {
	if !c.isAdditionTimerRunning.CompareAndSwap(false, true) {
		return
	}
	logger.Info().Msg("Checker: all upstreams down, running rescue cycle")
	resetAfter := 3 * c.cfg.AdditionCheckPeriodDuration()
	time.AfterFunc(resetAfter, func() {
		c.isAdditionTimerRunning.Store(false)
	})
	c.runTCPCycle()
	c.runConnectCycle()
}

// runTCPCycle probes every non-manually-disabled server concurrently and
// waits for the cycle to finish.
func (c *Checker) runTCPCycle() {
	var wg sync.WaitGroup
	for _, s := range c.pool.Servers() {
		if s.IsManualDisable() {
			continue
		}
		wg.Add(1)
		go func(s *pool.Server) {
			defer wg.Done()
			c.probeTCPOne(s)
		}(s)
	}
	wg.Wait()
}

func (c *Checker) runConnectCycle() {
	var wg sync.WaitGroup
	for _, s := range c.pool.Servers() {
		if s.IsManualDisable() {
			continue
		}
		wg.Add(1)
		go func(s *pool.Server) {
			defer wg.Done()
			c.probeConnectOne(s)
		}(s)
	}
	wg.Wait()
}

func (c *Checker) probeTCPOne(s *pool.Server) {
	elapsed, err := ProbeTCP(c.ctx, s.Addr())
	if err != nil {
		s.ReportTCPDead()
		logger.Debug().Int("index", s.Index).Str("addr", s.Addr()).Err(err).Msg("Checker: tcp probe failed")
		return
	}
	s.ReportTCPAlive()
	s.Delay.PushTcpPing(elapsed)
	logger.Debug().Int("index", s.Index).Str("addr", s.Addr()).Dur("latency", elapsed).Msg("Checker: tcp probe ok")
}

func (c *Checker) probeConnectOne(s *pool.Server) {
	probe := &HTTPSProbe{
		Socks5Addr: s.Addr(),
		TargetHost: c.cfg.CheckConf.TestRemoteHost,
		TargetPort: uint16(c.cfg.CheckConf.TestRemotePort),
		TargetPath: "/",
	}
	status, elapsed, err := probe.Run(c.ctx)
	if err != nil {
		s.ReportConnectFailed(err.Error())
		logger.Debug().Int("index", s.Index).Str("addr", s.Addr()).Err(err).Msg("Checker: connect probe failed")
		return
	}
	s.ReportConnectOK(fmt.Sprintf("status_code:%d", status))
	s.Delay.PushHttpPing(elapsed)
	logger.Debug().
		Int("index", s.Index).
		Str("addr", s.Addr()).
		Int("status", status).
		Dur("latency", elapsed).
		Msg("Checker: connect probe ok")
}

// ForceCheckNow schedules an immediate full cycle after a short debounce.
// Calls arriving inside the debounce window collapse into one cycle.
func (c *Checker) ForceCheckNow() {
	if !c.forceCheckPending.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(forceCheckDebounce, func() {
		defer c.forceCheckPending.Store(false)
		if c.ctx.Err() != nil {
			return
		}
		logger.Info().Msg("Checker: force check now")
		c.runTCPCycle()
		c.runConnectCycle()
	})
}

// ForceCheckOne schedules an immediate probe pair for a single upstream.
func (c *Checker) ForceCheckOne(index int) bool {
	s, ok := c.pool.Get(index)
	if !ok {
		return false
	}
	go func() {
		c.probeTCPOne(s)
		c.probeConnectOne(s)
	}()
	return true
}
