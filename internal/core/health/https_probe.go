package health

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"socks5balancer/internal/shared/socks5"
)

const probeUserAgent = "socks5balancer-health-check"

var (
	tlsRootsOnce sync.Once
	tlsRoots     *x509.CertPool
	tlsRootsErr  error
)

// systemRoots lazily loads the system trust store once per process. On
// Windows x509.SystemCertPool walks the OS cert store, so no platform
// branch is needed here.
func systemRoots() (*x509.CertPool, error) {
	tlsRootsOnce.Do(func() {
		tlsRoots, tlsRootsErr = x509.SystemCertPool()
	})
	return tlsRoots, tlsRootsErr
}

// HTTPSProbe verifies one upstream end to end: TCP connect to the proxy,
// SOCKS5 no-auth handshake, CONNECT to the test remote, TLS handshake and
// an HTTP/1.1 GET. It is a one-shot object; create a new one per run.
type HTTPSProbe struct {
	Socks5Addr string // host:port of the upstream proxy
	TargetHost string
	TargetPort uint16
	TargetPath string

	// TLSConfig overrides the default system-roots config; tests use this.
	TLSConfig *tls.Config
}

// Run drives the probe to completion and returns the observed HTTP status
// code and the total elapsed time. Every network operation is armed with
// ProbeTimeout individually.
func (p *HTTPSProbe) Run(ctx context.Context) (status int, elapsed time.Duration, err error) {
	start := time.Now()

	dialer := net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Socks5Addr)
	if err != nil {
		return 0, 0, fmt.Errorf("tcp_connect: %w", err)
	}
	defer conn.Close()

	step := func() { _ = conn.SetDeadline(time.Now().Add(ProbeTimeout)) }

	step()
	if err := socks5.WriteGreeting(conn); err != nil {
		return 0, 0, fmt.Errorf("socks5_handshake_write: %w", err)
	}
	step()
	if err := socks5.ReadGreetingReply(conn); err != nil {
		return 0, 0, fmt.Errorf("socks5_handshake_read: %w", err)
	}
	step()
	if err := socks5.WriteConnectRequest(conn, p.TargetHost, p.TargetPort); err != nil {
		return 0, 0, fmt.Errorf("socks5_connect_write: %w", err)
	}
	step()
	if err := socks5.ReadConnectReply(conn); err != nil {
		return 0, 0, fmt.Errorf("socks5_connect_read: %w", err)
	}

	tlsConf := p.TLSConfig
	if tlsConf == nil {
		roots, err := systemRoots()
		if err != nil {
			return 0, 0, fmt.Errorf("tls_roots: %w", err)
		}
		tlsConf = &tls.Config{RootCAs: roots}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = p.TargetHost
	}

	tlsConn := tls.Client(conn, tlsConf)
	step()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return 0, 0, fmt.Errorf("tls_handshake: %w", err)
	}

	path := p.TargetPath
	if path == "" {
		path = "/"
	}
	step()
	if _, err := fmt.Fprintf(tlsConn,
		"GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n",
		path, p.TargetHost, probeUserAgent); err != nil {
		return 0, 0, fmt.Errorf("http_write: %w", err)
	}

	step()
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("http_read: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	step()
	if err := shutdownTLS(tlsConn); err != nil {
		return 0, 0, fmt.Errorf("shutdown: %w", err)
	}

	return resp.StatusCode, time.Since(start), nil
}

// shutdownTLS closes the TLS session, tolerating the peer answering our
// close_notify with a bare EOF.
func shutdownTLS(c *tls.Conn) error {
	err := c.Close()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TargetAddr formats the probe destination for logging.
func (p *HTTPSProbe) TargetAddr() string {
	return net.JoinHostPort(p.TargetHost, strconv.Itoa(int(p.TargetPort)))
}
