package pool

import (
	"encoding/json"
	"sync"
	"time"

	"socks5balancer/internal/shared/logger"
)

// DefaultDelayHistorySize bounds each per-metric history ring.
const DefaultDelayHistorySize = 8192

// DelayInvalid marks a metric that has never been sampled.
const DelayInvalid = time.Duration(-1)

// DelayInfo is one latency sample with its wall-clock time.
type DelayInfo struct {
	Delay time.Duration `json:"delay_ms"`
	At    time.Time     `json:"at"`
}

// MarshalJSON writes Delay as whole milliseconds under delay_ms.
func (d DelayInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DelayMs int64     `json:"delay_ms"`
		At      time.Time `json:"at"`
	}{d.Delay.Milliseconds(), d.At})
}

// Before orders samples by wall time, tie-broken by delay.
func (d DelayInfo) Before(o DelayInfo) bool {
	if !d.At.Equal(o.At) {
		return d.At.Before(o.At)
	}
	return d.Delay < o.Delay
}

// DelayHistory is a bounded FIFO of DelayInfo. Appending past the cap drops
// the oldest entries; the single-drop case is O(1).
type DelayHistory struct {
	mu      sync.Mutex
	q       []DelayInfo
	maxSize int
}

func NewDelayHistory() *DelayHistory {
	return &DelayHistory{maxSize: DefaultDelayHistorySize}
}

// Add appends a sample taken now and returns it.
func (h *DelayHistory) Add(delay time.Duration) DelayInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := DelayInfo{Delay: delay, At: time.Now()}
	h.q = append(h.q, n)
	h.trim()
	return n
}

// trim must be called with the lock held.
func (h *DelayHistory) trim() {
	if len(h.q) <= h.maxSize {
		return
	}
	needRemove := len(h.q) - h.maxSize
	if needRemove == 1 {
		// the common case: re-slice, the backing array is reused by append
		h.q = h.q[1:]
		return
	}
	// more than one only happens when maxSize shrank; re-create
	logger.Warn().
		Int("need_remove", needRemove).
		Int("max_size", h.maxSize).
		Int("len", len(h.q)).
		Msg("DelayHistory: trim re-create")
	h.q = append([]DelayInfo(nil), h.q[needRemove:]...)
}

// History returns a snapshot copy of the ring.
func (h *DelayHistory) History() []DelayInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DelayInfo(nil), h.q...)
}

// Len returns the current number of samples.
func (h *DelayHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.q)
}

// SetMaxSize changes the cap and trims immediately.
func (h *DelayHistory) SetMaxSize(m int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxSize = m
	h.trim()
}

// DelayCollect groups the three per-upstream latency histories: the TCP
// probe ping, the end-to-end HTTPS probe ping, and the first-response delay
// observed by the relay.
type DelayCollect struct {
	mu                  sync.Mutex
	lastTcpPing         time.Duration
	lastHttpPing        time.Duration
	lastRelayFirstDelay time.Duration

	historyTcpPing         *DelayHistory
	historyHttpPing        *DelayHistory
	historyRelayFirstDelay *DelayHistory
}

func NewDelayCollect() *DelayCollect {
	return &DelayCollect{
		lastTcpPing:            DelayInvalid,
		lastHttpPing:           DelayInvalid,
		lastRelayFirstDelay:    DelayInvalid,
		historyTcpPing:         NewDelayHistory(),
		historyHttpPing:        NewDelayHistory(),
		historyRelayFirstDelay: NewDelayHistory(),
	}
}

func (c *DelayCollect) PushTcpPing(t time.Duration) {
	c.mu.Lock()
	c.lastTcpPing = t
	c.mu.Unlock()
	c.historyTcpPing.Add(t)
}

func (c *DelayCollect) PushHttpPing(t time.Duration) {
	c.mu.Lock()
	c.lastHttpPing = t
	c.mu.Unlock()
	c.historyHttpPing.Add(t)
}

func (c *DelayCollect) PushRelayFirstDelay(t time.Duration) {
	c.mu.Lock()
	c.lastRelayFirstDelay = t
	c.mu.Unlock()
	c.historyRelayFirstDelay.Add(t)
}

// Last returns the most recent sample of each metric, DelayInvalid when a
// metric has never been sampled.
func (c *DelayCollect) Last() (tcpPing, httpPing, relayFirstDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTcpPing, c.lastHttpPing, c.lastRelayFirstDelay
}

func (c *DelayCollect) HistoryTcpPing() []DelayInfo         { return c.historyTcpPing.History() }
func (c *DelayCollect) HistoryHttpPing() []DelayInfo        { return c.historyHttpPing.History() }
func (c *DelayCollect) HistoryRelayFirstDelay() []DelayInfo { return c.historyRelayFirstDelay.History() }

func (c *DelayCollect) SetMaxSizeTcpPing(m int)    { c.historyTcpPing.SetMaxSize(m) }
func (c *DelayCollect) SetMaxSizeHttpPing(m int)   { c.historyHttpPing.SetMaxSize(m) }
func (c *DelayCollect) SetMaxSizeFirstDelay(m int) { c.historyRelayFirstDelay.SetMaxSize(m) }
