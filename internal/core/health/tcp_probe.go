package health

import (
	"context"
	"net"
	"time"
)

// ProbeTimeout arms every network operation inside the probes.
const ProbeTimeout = 30 * time.Second

// ProbeTCP performs the one-shot TCP reachability check against addr and
// returns the time the connect took.
func ProbeTCP(ctx context.Context, addr string) (time.Duration, error) {
	dialer := net.Dialer{Timeout: ProbeTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
