package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"socks5balancer/internal/core/pool"
	"socks5balancer/internal/core/stats"
	"socks5balancer/internal/shared"
	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// Acceptor owns one local listener and spawns a Session per accepted
// connection.
type Acceptor struct {
	cfg      *types.Config
	pool     *pool.Pool
	registry *stats.Registry

	host string
	port int

	listener   net.Listener
	listenAddr string

	// process-wide dashboard counters, shared across acceptors
	uplink   *atomic.Uint64
	downlink *atomic.Uint64

	waitGroup sync.WaitGroup
	closeOnce sync.Once
}

func NewAcceptor(cfg *types.Config, p *pool.Pool, registry *stats.Registry,
	lp *types.ListenerProfile, uplink, downlink *atomic.Uint64) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		pool:     p,
		registry: registry,
		host:     lp.Host,
		port:     lp.Port,
		uplink:   uplink,
		downlink: downlink,
	}
}

// Start binds the listener and launches the accept loop.
func (a *Acceptor) Start() error {
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("acceptor failed to listen on %s: %w", addr, err)
	}
	a.listener = listener
	a.listenAddr = listener.Addr().String()
	logger.Info().Str("listen_addr", a.listenAddr).Msg(">>> Acceptor is listening.")

	a.waitGroup.Add(1)
	go a.acceptLoop()
	return nil
}

// ListenAddr returns the bound address, valid after Start.
func (a *Acceptor) ListenAddr() string {
	return a.listenAddr
}

func (a *Acceptor) acceptLoop() {
	defer a.waitGroup.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && strings.Contains(opErr.Err.Error(), "use of closed network connection") {
				logger.Info().Str("listen_addr", a.listenAddr).Msg("Acceptor listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Acceptor failed to accept connection")
			continue
		}
		a.pool.TouchConnectCome()
		counted := shared.NewCountedConn(conn, a.uplink, a.downlink)
		sess := NewSession(counted, a.listenAddr, a.cfg, a.pool, a.registry)
		go sess.Run()
	}
}

// Close stops accepting; in-flight sessions run to completion.
func (a *Acceptor) Close() {
	a.closeOnce.Do(func() {
		if a.listener != nil {
			_ = a.listener.Close()
		}
		a.waitGroup.Wait()
	})
}
