package pool

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Server is one upstream SOCKS5 proxy backend. Identity fields are fixed at
// config load; the health flags are written by the checker and the admin
// interface and read by every session on selection.
type Server struct {
	Index   int
	Name    string
	Host    string
	Port    int
	Disable bool

	mu                     sync.Mutex
	isOffline              bool
	lastConnectFailed      bool
	lastOnlineTime         time.Time
	lastConnectTime        time.Time
	lastConnectCheckResult string
	isManualDisable        bool

	connectCount atomic.Int32

	Delay *DelayCollect
}

// NewServer creates a server in the not-yet-probed state. A configured
// disable flag starts it manually disabled.
func NewServer(index int, name, host string, port int, disable bool) *Server {
	return &Server{
		Index:           index,
		Name:            name,
		Host:            host,
		Port:            port,
		Disable:         disable,
		isOffline:       true,
		isManualDisable: disable,
		Delay:           NewDelayCollect(),
	}
}

// Addr returns the host:port dial target of this upstream.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *Server) String() string {
	return fmt.Sprintf("[index:%d, name:%s, host:%s, port:%d]", s.Index, s.Name, s.Host, s.Port)
}

// Eligible reports whether this server may be handed to a new session: both
// probes have succeeded at least once and nothing currently marks it down.
func (s *Server) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastConnectTime.IsZero() &&
		!s.lastOnlineTime.IsZero() &&
		!s.lastConnectFailed &&
		!s.isOffline &&
		!s.isManualDisable
}

// ReportTCPAlive records a successful TCP probe. Coming back from offline
// also clears the end-to-end failure flag so the next connect probe decides.
func (s *Server) ReportTCPAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOffline {
		s.lastConnectFailed = false
	}
	s.lastOnlineTime = time.Now()
	s.isOffline = false
}

// ReportTCPDead records a failed TCP probe. lastOnlineTime is left alone.
func (s *Server) ReportTCPDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOffline = true
}

// ReportConnectOK records a successful end-to-end probe.
func (s *Server) ReportConnectOK(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastConnectTime = time.Now()
	s.lastConnectFailed = false
	s.lastConnectCheckResult = result
}

// ReportConnectFailed records a failed end-to-end probe.
func (s *Server) ReportConnectFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastConnectFailed = true
	s.lastConnectCheckResult = reason
}

func (s *Server) SetManualDisable(disable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isManualDisable = disable
}

func (s *Server) IsManualDisable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isManualDisable
}

func (s *Server) ConnectCountAdd() { s.connectCount.Add(1) }
func (s *Server) ConnectCountSub() { s.connectCount.Add(-1) }
func (s *Server) ConnectCount() int32 {
	return s.connectCount.Load()
}

// ServerSnapshot is the read-only admin view of a server.
type ServerSnapshot struct {
	Index                  int       `json:"index"`
	Name                   string    `json:"name"`
	Host                   string    `json:"host"`
	Port                   int       `json:"port"`
	IsOffline              bool      `json:"is_offline"`
	LastConnectFailed      bool      `json:"last_connect_failed"`
	LastOnlineTime         time.Time `json:"last_online_time"`
	LastConnectTime        time.Time `json:"last_connect_time"`
	LastConnectCheckResult string    `json:"last_connect_check_result"`
	Disable                bool      `json:"disable"`
	IsManualDisable        bool      `json:"is_manual_disable"`
	Eligible               bool      `json:"eligible"`
	ConnectCount           int32     `json:"connect_count"`
	LastTcpPingMs          int64     `json:"last_tcp_ping_ms"`
	LastHttpPingMs         int64     `json:"last_http_ping_ms"`
	LastRelayFirstDelayMs  int64     `json:"last_relay_first_delay_ms"`
}

// Snapshot copies the current state for the admin interface.
func (s *Server) Snapshot() ServerSnapshot {
	tcpPing, httpPing, firstDelay := s.Delay.Last()
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := !s.lastConnectTime.IsZero() &&
		!s.lastOnlineTime.IsZero() &&
		!s.lastConnectFailed &&
		!s.isOffline &&
		!s.isManualDisable
	return ServerSnapshot{
		Index:                  s.Index,
		Name:                   s.Name,
		Host:                   s.Host,
		Port:                   s.Port,
		IsOffline:              s.isOffline,
		LastConnectFailed:      s.lastConnectFailed,
		LastOnlineTime:         s.lastOnlineTime,
		LastConnectTime:        s.lastConnectTime,
		LastConnectCheckResult: s.lastConnectCheckResult,
		Disable:                s.Disable,
		IsManualDisable:        s.isManualDisable,
		Eligible:               eligible,
		ConnectCount:           s.connectCount.Load(),
		LastTcpPingMs:          delayMs(tcpPing),
		LastHttpPingMs:         delayMs(httpPing),
		LastRelayFirstDelayMs:  delayMs(firstDelay),
	}
}

// delayMs keeps the -1 "never sampled" sentinel visible in snapshots.
func delayMs(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}
