package relay

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"socks5balancer/internal/core/pool"
	"socks5balancer/internal/core/stats"
	"socks5balancer/internal/shared/socks5"
	"socks5balancer/internal/shared/types"
)

// handshakeTimeout bounds the client-side handshake as a whole and arms each
// network step of the upstream-side handshake individually.
const handshakeTimeout = 30 * time.Second

// Session is one relayed client connection: client-side handshake, upstream
// selection, upstream-side SOCKS5 handshake, then the two byte pumps.
type Session struct {
	id       string
	cfg      *types.Config
	pool     *pool.Pool
	registry *stats.Registry

	clientConn   net.Conn
	clientReader *bufio.Reader

	listenAddr string
	clientAddr string

	mu           sync.Mutex
	upstreamConn net.Conn

	server     *pool.Server
	proto      types.Protocol
	targetHost string
	targetPort uint16

	handshakeDoneAt time.Time
	firstRespOnce   sync.Once

	closed    atomic.Bool
	closeOnce sync.Once

	log zerolog.Logger
}

// NewSession wires a freshly accepted client connection.
func NewSession(conn net.Conn, listenAddr string, cfg *types.Config, p *pool.Pool, registry *stats.Registry) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		cfg:          cfg,
		pool:         p,
		registry:     registry,
		clientConn:   conn,
		clientReader: bufio.NewReader(conn),
		listenAddr:   listenAddr,
		clientAddr:   conn.RemoteAddr().String(),
		log:          log.With().Str("trace_id", id).Str("client", conn.RemoteAddr().String()).Logger(),
	}
}

// stats.Session interface.
func (s *Session) IsClosed() bool     { return s.closed.Load() }
func (s *Session) UpstreamIndex() int { return s.server.Index }
func (s *Session) ClientAddr() string { return s.clientAddr }
func (s *Session) ListenAddr() string { return s.listenAddr }
func (s *Session) TargetAddr() string { return socks5.JoinHostPort(s.targetHost, s.targetPort) }

var _ stats.Session = (*Session)(nil)

// ForceClose tears the session down immediately. Pending reads and writes
// on both sockets fail. Idempotent.
func (s *Session) ForceClose() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		up := s.upstreamConn
		s.mu.Unlock()
		if up != nil {
			_ = up.Close()
		}
		_ = s.clientConn.Close()
	})
}

// setUpstreamConn publishes the upstream socket unless the session was
// force-closed while dialing, in which case the socket is closed here.
func (s *Session) setUpstreamConn(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = conn.Close()
		return errors.New("session closed during upstream dial")
	}
	s.upstreamConn = conn
	return nil
}

// Run drives the session to completion and always leaves both sockets
// closed.
func (s *Session) Run() {
	defer s.ForceClose()

	hs, err := s.handshakeClient()
	if err != nil {
		s.log.Debug().Err(err).Msg("Session: client handshake failed")
		return
	}
	s.proto = hs.proto
	s.targetHost = hs.host
	s.targetPort = hs.port
	s.log = s.log.With().Str("proto", string(hs.proto)).Str("target", s.TargetAddr()).Logger()

	server := s.pool.Select()
	if server == nil {
		s.log.Warn().Msg("Session: no eligible upstream")
		s.replyHandshakeFail(hs)
		return
	}
	s.server = server

	if err := s.connectUpstream(); err != nil {
		s.log.Warn().Err(err).Int("upstream", server.Index).Msg("Session: upstream handshake failed")
		s.replyHandshakeFail(hs)
		return
	}

	// Both sides are done; only now may the client observe success.
	if err := s.replyHandshakeOK(hs); err != nil {
		s.log.Debug().Err(err).Msg("Session: deferred reply failed")
		return
	}

	s.register()
	defer s.unregister()

	s.log.Debug().Int("upstream", server.Index).Msg("Session: relay started")
	s.relay()
	s.log.Debug().Msg("Session: relay finished")
}

// connectUpstream dials the selected proxy and performs the SOCKS5 client
// handshake, CONNECTing to the target learned from the client side.
func (s *Session) connectUpstream() error {
	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.Dial("tcp", s.server.Addr())
	if err != nil {
		return err
	}
	if err := s.setUpstreamConn(conn); err != nil {
		return err
	}

	step := func() { _ = conn.SetDeadline(time.Now().Add(handshakeTimeout)) }

	step()
	if err := socks5.WriteGreeting(conn); err != nil {
		return err
	}
	step()
	if err := socks5.ReadGreetingReply(conn); err != nil {
		return err
	}
	step()
	if err := socks5.WriteConnectRequest(conn, s.targetHost, s.targetPort); err != nil {
		return err
	}
	step()
	if err := socks5.ReadConnectReply(conn); err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func (s *Session) register() {
	s.server.ConnectCountAdd()
	s.registry.AddSession(s)
	s.registry.ConnectCountAdd(s)
	s.registry.UpdateSession(s)
}

func (s *Session) unregister() {
	s.registry.ConnectCountSub(s)
	s.server.ConnectCountSub()
}

// relay runs the two one-direction pumps and waits for both to finish.
func (s *Session) relay() {
	s.handshakeDoneAt = time.Now()
	_ = s.clientConn.SetDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(s.upstreamConn, s.clientReader, false)
	}()
	go func() {
		defer wg.Done()
		s.pump(s.clientConn, s.upstreamConn, true)
	}()
	wg.Wait()
}

// pump copies one direction. Clean EOF half-closes the write side of the
// peer socket; any other error force-closes the whole session.
func (s *Session) pump(dst net.Conn, src io.Reader, down bool) {
	buf := make([]byte, s.cfg.CommonConf.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if down {
				s.firstRespOnce.Do(func() {
					s.server.Delay.PushRelayFirstDelay(time.Since(s.handshakeDoneAt))
				})
				s.registry.AddByteDown(s, uint64(n))
			} else {
				s.registry.AddByteUp(s, uint64(n))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.ForceClose()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				halfCloseWrite(dst)
				return
			}
			s.ForceClose()
			return
		}
	}
}

func halfCloseWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
