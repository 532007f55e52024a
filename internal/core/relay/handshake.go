package relay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"socks5balancer/internal/shared/socks5"
	"socks5balancer/internal/shared/types"
)

// handshakeResult carries what the client-side handshake learned and what
// still has to happen once the upstream side completes.
type handshakeResult struct {
	proto types.Protocol
	host  string
	port  uint16

	// isConnect marks an HTTP CONNECT tunnel (deferred 200 reply).
	isConnect bool
	// forward holds the rewritten request head of a plain HTTP request,
	// to be sent to the upstream after its handshake completes.
	forward []byte
}

// readWriter splits reads through the session's buffered reader from writes
// that go straight to the socket.
type readWriter struct {
	io.Reader
	io.Writer
}

// handshakeClient detects the client protocol from the first byte and runs
// the matching server-side handshake. The success reply is deferred in all
// cases; only failure replies are written here.
func (s *Session) handshakeClient() (*handshakeResult, error) {
	_ = s.clientConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	first, err := s.clientReader.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial byte: %w", err)
	}
	switch {
	case first[0] == socks5.Version:
		return s.handshakeSocks5Client()
	case first[0] >= 'A' && first[0] <= 'Z':
		return s.handshakeHTTPClient()
	default:
		return nil, fmt.Errorf("could not determine client protocol, initial byte: 0x%02x", first[0])
	}
}

// handshakeSocks5Client answers the greeting and parses the CONNECT
// request. The CONNECT reply is deferred until the upstream side is done.
func (s *Session) handshakeSocks5Client() (*handshakeResult, error) {
	rw := readWriter{s.clientReader, s.clientConn}
	if err := socks5.ReadGreeting(rw); err != nil {
		return nil, err
	}
	host, port, err := socks5.ReadConnectRequest(s.clientReader)
	if err != nil {
		// a parseable-but-unsupported request still deserves an answer
		_ = socks5.WriteConnectReply(s.clientConn, socks5.RepCmdNotSupport)
		return nil, err
	}
	return &handshakeResult{proto: types.ProtoSOCKS5, host: host, port: port}, nil
}

// handshakeHTTPClient parses the request line and headers. CONNECT tunnels
// defer their 200 response; other methods get their request line rewritten
// to origin-form and the rewritten head forwarded after the upstream
// handshake.
func (s *Session) handshakeHTTPClient() (*handshakeResult, error) {
	req, err := http.ReadRequest(s.clientReader)
	if err != nil {
		return nil, fmt.Errorf("could not parse HTTP request: %w", err)
	}

	if req.Method == http.MethodConnect {
		host, port, err := splitTarget(req.Host, 443)
		if err != nil {
			return nil, err
		}
		return &handshakeResult{
			proto:     types.ProtoHTTP,
			host:      host,
			port:      port,
			isConnect: true,
		}, nil
	}

	hostPort := req.Host
	if hostPort == "" && req.URL != nil {
		hostPort = req.URL.Host
	}
	host, port, err := splitTarget(hostPort, 80)
	if err != nil {
		return nil, err
	}

	return &handshakeResult{
		proto:   types.ProtoHTTP,
		host:    host,
		port:    port,
		forward: rewriteRequestHead(req),
	}, nil
}

// rewriteRequestHead rebuilds the request head in origin-form, dropping the
// hop-by-hop proxy headers. The body is not consumed here; whatever of it
// is buffered keeps flowing through the uplink pump.
func rewriteRequestHead(req *http.Request) []byte {
	var b bytes.Buffer
	uri := "/"
	if req.URL != nil {
		if r := req.URL.RequestURI(); r != "" {
			uri = r
		}
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, uri, req.Proto)
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	for key, values := range req.Header {
		switch key {
		case "Proxy-Connection", "Proxy-Authorization", "Host":
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// splitTarget parses host[:port], filling in the scheme default port.
func splitTarget(hostPort string, defaultPort uint16) (string, uint16, error) {
	if hostPort == "" {
		return "", 0, fmt.Errorf("http request host is empty")
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		// no port present
		return hostPort, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

// replyHandshakeOK sends the deferred success response and, for plain HTTP,
// forwards the rewritten request head to the upstream.
func (s *Session) replyHandshakeOK(hs *handshakeResult) error {
	switch hs.proto {
	case types.ProtoSOCKS5:
		return socks5.WriteConnectReply(s.clientConn, socks5.RepSuccess)
	case types.ProtoHTTP:
		if hs.isConnect {
			_, err := s.clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
			return err
		}
		_, err := s.upstreamConn.Write(hs.forward)
		return err
	}
	return nil
}

// replyHandshakeFail tells the client the tunnel could not be built. SOCKS5
// clients get a REP!=0 reply, HTTP clients a 502.
func (s *Session) replyHandshakeFail(hs *handshakeResult) {
	switch hs.proto {
	case types.ProtoSOCKS5:
		_ = socks5.WriteConnectReply(s.clientConn, socks5.RepGeneralFailure)
	case types.ProtoHTTP:
		_, _ = s.clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	}
}
