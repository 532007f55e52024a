package app

import (
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"socks5balancer/internal/core/health"
	"socks5balancer/internal/core/pool"
	"socks5balancer/internal/core/relay"
	"socks5balancer/internal/core/stats"
	"socks5balancer/internal/service/web"
	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// statsTickPeriod drives the registry delta sampling and the dashboard
// broadcast.
const statsTickPeriod = time.Second

// AppServer wires the pool, the checker, the acceptors, the statistics
// registry and the admin web service together.
type AppServer struct {
	cfg     *types.Config
	servers *types.ServersFile

	pool      *pool.Pool
	checker   *health.Checker
	registry  *stats.Registry
	acceptors []*relay.Acceptor
	hub       *web.Hub

	// process-wide byte counters fed by every accepted connection
	uplinkBytes   atomic.Uint64
	downlinkBytes atomic.Uint64
	lastUplink    uint64
	lastDownlink  uint64

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func New(cfg *types.Config, servers *types.ServersFile) *AppServer {
	s := &AppServer{
		cfg:      cfg,
		servers:  servers,
		pool:     pool.New(),
		registry: stats.NewRegistry(),
		hub:      web.NewHub(),
		stopCh:   make(chan struct{}),
	}
	s.pool.SetConfig(cfg, servers.Upstreams)
	s.checker = health.New(s.pool, cfg)
	for _, lp := range servers.Listeners {
		s.acceptors = append(s.acceptors,
			relay.NewAcceptor(cfg, s.pool, s.registry, lp, &s.uplinkBytes, &s.downlinkBytes))
	}
	return s
}

// Run starts everything and blocks until SIGINT/SIGTERM.
func (s *AppServer) Run() error {
	go s.hub.Run()
	web.StartServer(&s.waitGroup, s.cfg, s, s.hub)

	for _, a := range s.acceptors {
		if err := a.Start(); err != nil {
			return err
		}
	}
	s.checker.Start()

	s.waitGroup.Add(1)
	go s.statsLoop()

	logger.Info().
		Int("listeners", len(s.acceptors)).
		Int("upstreams", s.pool.Size()).
		Str("rule", string(s.pool.Rule())).
		Msg("AppServer: running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("AppServer: shutting down")
	s.Stop()
	return nil
}

// Stop tears everything down once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, a := range s.acceptors {
			a.Close()
		}
		s.checker.Stop()
		s.waitGroup.Wait()
	})
}

// statsLoop samples the registry once per second, prunes expired sessions
// and pushes a dashboard update to websocket clients.
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(statsTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.registry.Tick()
			s.registry.Prune()

			uplink := s.uplinkBytes.Load()
			downlink := s.downlinkBytes.Load()
			eligible := 0
			var active int64
			for _, srv := range s.pool.Servers() {
				if srv.Eligible() {
					eligible++
				}
				active += int64(srv.ConnectCount())
			}
			s.hub.BroadcastDashboardUpdate(&web.DashboardStats{
				Timestamp:         time.Now(),
				ActiveConnections: active,
				UplinkRate:        uplink - s.lastUplink,
				DownlinkRate:      downlink - s.lastDownlink,
				EligibleUpstreams: eligible,
			})
			s.lastUplink = uplink
			s.lastDownlink = downlink
		}
	}
}

// --- web.ServerController implementation ---

var _ web.ServerController = (*AppServer)(nil)

func (s *AppServer) PoolSnapshot() []pool.ServerSnapshot { return s.pool.Snapshot() }
func (s *AppServer) PoolRule() string                    { return string(s.pool.Rule()) }
func (s *AppServer) LastUseUpstreamIndex() int           { return s.pool.LastUseUpstreamIndex() }
func (s *AppServer) StatsSnapshot() stats.Snapshot       { return s.registry.Snapshot() }

func (s *AppServer) DelayHistory(index int) (tcp, http, relayFirst []pool.DelayInfo, ok bool) {
	srv, ok := s.pool.Get(index)
	if !ok {
		return nil, nil, nil, false
	}
	return srv.Delay.HistoryTcpPing(), srv.Delay.HistoryHttpPing(), srv.Delay.HistoryRelayFirstDelay(), true
}

func (s *AppServer) SetManualDisable(index int, disable bool) bool {
	srv, ok := s.pool.Get(index)
	if !ok {
		return false
	}
	srv.SetManualDisable(disable)
	logger.Info().Int("index", index).Bool("disable", disable).Msg("AppServer: manual disable changed")
	s.hub.BroadcastStatusUpdate()
	return true
}

func (s *AppServer) ForceCheckNow() { s.checker.ForceCheckNow() }

func (s *AppServer) ForceCheckOne(index int) bool { return s.checker.ForceCheckOne(index) }

func (s *AppServer) ForceSetLastIndex(index int) bool { return s.pool.ForceSetLastIndex(index) }

func (s *AppServer) CloseBucketSessions(scope, key string) bool {
	switch scope {
	case "upstream":
		index, err := parseIndex(key)
		if err != nil {
			return false
		}
		s.registry.CloseAll(index)
	case "client":
		s.registry.CloseAllClient(key)
	case "listen":
		s.registry.CloseAllListen(key)
	default:
		return false
	}
	return true
}

func parseIndex(key string) (int, error) {
	return strconv.Atoi(key)
}
