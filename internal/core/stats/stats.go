// Package stats keeps the multi-indexed registry of live and recent relay
// sessions: one bucket per upstream index, per client address, and per
// listen address, each with byte counters and rolling per-tick deltas.
package stats

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the registry's narrow handle onto a live relay session. The
// registry never keeps a session alive: once IsClosed reports true the
// entry is dropped by the next Prune.
type Session interface {
	ForceClose()
	IsClosed() bool
	UpstreamIndex() int
	ClientAddr() string
	ListenAddr() string
	TargetAddr() string
}

// SessionInfo is one record per live relay session. The identity key for
// update-in-place is the (ClientAddr, ListenAddr) pair.
type SessionInfo struct {
	UpstreamIndex int       `json:"upstream_index"`
	ClientAddr    string    `json:"client_addr"`
	ListenAddr    string    `json:"listen_addr"`
	TargetAddr    string    `json:"target_addr"`
	StartTime     time.Time `json:"start_time"`

	sess Session
}

type sessionKey struct {
	client string
	listen string
}

// Info is one statistics bucket. Sessions live in an ordered slice with a
// key map alongside for update-in-place lookups.
type Info struct {
	mu       sync.Mutex
	sessions []*SessionInfo
	byKey    map[sessionKey]int

	byteUp   atomic.Uint64
	byteDown atomic.Uint64

	byteUpLast        uint64
	byteDownLast      uint64
	byteUpChange      uint64
	byteDownChange    uint64
	byteUpChangeMax   uint64
	byteDownChangeMax uint64

	connectCount         atomic.Int64
	lastUseUpstreamIndex int
}

func newInfo() *Info {
	return &Info{byKey: make(map[sessionKey]int)}
}

func (i *Info) addSession(si *SessionInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := sessionKey{si.ClientAddr, si.ListenAddr}
	if pos, ok := i.byKey[key]; ok {
		i.sessions[pos] = si
		return
	}
	i.byKey[key] = len(i.sessions)
	i.sessions = append(i.sessions, si)
	i.lastUseUpstreamIndex = si.UpstreamIndex
}

// updateSession refreshes the target of an existing record in place; a
// session that was never added is left absent.
func (i *Info) updateSession(s Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pos, ok := i.byKey[sessionKey{s.ClientAddr(), s.ListenAddr()}]; ok {
		i.sessions[pos].TargetAddr = s.TargetAddr()
	}
}

// removeExpired drops records whose session has closed and rebuilds the key
// map. Idempotent.
func (i *Info) removeExpired() {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.sessions[:0]
	for _, si := range i.sessions {
		if si.sess != nil && !si.sess.IsClosed() {
			kept = append(kept, si)
		}
	}
	i.sessions = kept
	i.byKey = make(map[sessionKey]int, len(kept))
	for pos, si := range kept {
		i.byKey[sessionKey{si.ClientAddr, si.ListenAddr}] = pos
	}
}

// closeAllSessions force-closes every live session in this bucket.
func (i *Info) closeAllSessions() {
	i.mu.Lock()
	sessions := append([]*SessionInfo(nil), i.sessions...)
	i.mu.Unlock()
	for _, si := range sessions {
		if si.sess != nil && !si.sess.IsClosed() {
			si.sess.ForceClose()
		}
	}
}

// calcByte samples the counters and rolls the deltas and maxima.
func (i *Info) calcByte() {
	i.mu.Lock()
	defer i.mu.Unlock()
	newByteUp := i.byteUp.Load()
	newByteDown := i.byteDown.Load()
	i.byteUpChange = newByteUp - i.byteUpLast
	i.byteDownChange = newByteDown - i.byteDownLast
	i.byteUpLast = newByteUp
	i.byteDownLast = newByteDown
	if i.byteUpChange > i.byteUpChangeMax {
		i.byteUpChangeMax = i.byteUpChange
	}
	if i.byteDownChange > i.byteDownChangeMax {
		i.byteDownChangeMax = i.byteDownChange
	}
}

func (i *Info) sessionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}

// InfoSnapshot is the admin view of one bucket.
type InfoSnapshot struct {
	Key                  string        `json:"key"`
	ByteUp               uint64        `json:"byte_up"`
	ByteDown             uint64        `json:"byte_down"`
	ByteUpChange         uint64        `json:"byte_up_change"`
	ByteDownChange       uint64        `json:"byte_down_change"`
	ByteUpChangeMax      uint64        `json:"byte_up_change_max"`
	ByteDownChangeMax    uint64        `json:"byte_down_change_max"`
	ConnectCount         int64         `json:"connect_count"`
	LastUseUpstreamIndex int           `json:"last_use_upstream_index"`
	Sessions             []SessionInfo `json:"sessions"`
}

func (i *Info) snapshot(key string) InfoSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	sessions := make([]SessionInfo, 0, len(i.sessions))
	for _, si := range i.sessions {
		sessions = append(sessions, *si)
	}
	return InfoSnapshot{
		Key:                  key,
		ByteUp:               i.byteUp.Load(),
		ByteDown:             i.byteDown.Load(),
		ByteUpChange:         i.byteUpChange,
		ByteDownChange:       i.byteDownChange,
		ByteUpChangeMax:      i.byteUpChangeMax,
		ByteDownChangeMax:    i.byteDownChangeMax,
		ConnectCount:         i.connectCount.Load(),
		LastUseUpstreamIndex: i.lastUseUpstreamIndex,
		Sessions:             sessions,
	}
}

// Registry indexes every session three ways. All map access goes through a
// single mutex; byte counters are atomics, so the relay pumps hold the map
// lock only for the bucket lookup, never for the counter update.
type Registry struct {
	mu            sync.Mutex
	upstreamIndex map[int]*Info
	clientIndex   map[string]*Info
	listenIndex   map[string]*Info
}

func NewRegistry() *Registry {
	return &Registry{
		upstreamIndex: make(map[int]*Info),
		clientIndex:   make(map[string]*Info),
		listenIndex:   make(map[string]*Info),
	}
}

func (r *Registry) getInfo(index int) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.upstreamIndex[index]
	if !ok {
		n = newInfo()
		r.upstreamIndex[index] = n
	}
	return n
}

func (r *Registry) getInfoClient(addr string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.clientIndex[addr]
	if !ok {
		n = newInfo()
		r.clientIndex[addr] = n
	}
	return n
}

func (r *Registry) getInfoListen(addr string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.listenIndex[addr]
	if !ok {
		n = newInfo()
		r.listenIndex[addr] = n
	}
	return n
}

// lookup variants return nil instead of creating.
func (r *Registry) peekInfo(index int) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstreamIndex[index]
}

func (r *Registry) peekInfoClient(addr string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientIndex[addr]
}

func (r *Registry) peekInfoListen(addr string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenIndex[addr]
}

// AddSession inserts the session into all three buckets, creating the Info
// entries on demand.
func (r *Registry) AddSession(s Session) {
	si := &SessionInfo{
		UpstreamIndex: s.UpstreamIndex(),
		ClientAddr:    s.ClientAddr(),
		ListenAddr:    s.ListenAddr(),
		TargetAddr:    s.TargetAddr(),
		StartTime:     time.Now(),
		sess:          s,
	}
	r.getInfo(si.UpstreamIndex).addSession(si)
	r.getInfoClient(si.ClientAddr).addSession(si)
	r.getInfoListen(si.ListenAddr).addSession(si)
}

// UpdateSession refreshes the target address of an existing session in each
// of the three buckets; a session never added stays absent.
func (r *Registry) UpdateSession(s Session) {
	if n := r.peekInfo(s.UpstreamIndex()); n != nil {
		n.updateSession(s)
	}
	if n := r.peekInfoClient(s.ClientAddr()); n != nil {
		n.updateSession(s)
	}
	if n := r.peekInfoListen(s.ListenAddr()); n != nil {
		n.updateSession(s)
	}
}

// AddByteUp adds upstream-direction bytes to all three buckets of s.
func (r *Registry) AddByteUp(s Session, n uint64) {
	r.getInfo(s.UpstreamIndex()).byteUp.Add(n)
	r.getInfoClient(s.ClientAddr()).byteUp.Add(n)
	r.getInfoListen(s.ListenAddr()).byteUp.Add(n)
}

// AddByteDown adds client-direction bytes to all three buckets of s.
func (r *Registry) AddByteDown(s Session, n uint64) {
	r.getInfo(s.UpstreamIndex()).byteDown.Add(n)
	r.getInfoClient(s.ClientAddr()).byteDown.Add(n)
	r.getInfoListen(s.ListenAddr()).byteDown.Add(n)
}

// ConnectCountAdd bumps the live counter in all three buckets of s.
func (r *Registry) ConnectCountAdd(s Session) {
	r.getInfo(s.UpstreamIndex()).connectCount.Add(1)
	r.getInfoClient(s.ClientAddr()).connectCount.Add(1)
	r.getInfoListen(s.ListenAddr()).connectCount.Add(1)
}

func (r *Registry) ConnectCountSub(s Session) {
	r.getInfo(s.UpstreamIndex()).connectCount.Add(-1)
	r.getInfoClient(s.ClientAddr()).connectCount.Add(-1)
	r.getInfoListen(s.ListenAddr()).connectCount.Add(-1)
}

func (r *Registry) allInfos() []*Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Info, 0, len(r.upstreamIndex)+len(r.clientIndex)+len(r.listenIndex))
	for _, n := range r.upstreamIndex {
		out = append(out, n)
	}
	for _, n := range r.clientIndex {
		out = append(out, n)
	}
	for _, n := range r.listenIndex {
		out = append(out, n)
	}
	return out
}

// Tick samples every bucket's counters; call it on a fixed cadence.
func (r *Registry) Tick() {
	for _, n := range r.allInfos() {
		n.calcByte()
	}
}

// Prune removes expired sessions from every bucket. Idempotent.
func (r *Registry) Prune() {
	for _, n := range r.allInfos() {
		n.removeExpired()
	}
}

// CloseAll force-closes every live session bound to the upstream index.
func (r *Registry) CloseAll(index int) {
	if n := r.peekInfo(index); n != nil {
		n.closeAllSessions()
	}
}

func (r *Registry) CloseAllClient(addr string) {
	if n := r.peekInfoClient(addr); n != nil {
		n.closeAllSessions()
	}
}

func (r *Registry) CloseAllListen(addr string) {
	if n := r.peekInfoListen(addr); n != nil {
		n.closeAllSessions()
	}
}

// Snapshot is the full admin view of the registry.
type Snapshot struct {
	Upstreams []InfoSnapshot `json:"upstreams"`
	Clients   []InfoSnapshot `json:"clients"`
	Listeners []InfoSnapshot `json:"listeners"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	type namedInfo struct {
		key  string
		info *Info
	}
	collect := func(m map[string]*Info) []namedInfo {
		out := make([]namedInfo, 0, len(m))
		for k, n := range m {
			out = append(out, namedInfo{k, n})
		}
		return out
	}
	ups := make([]namedInfo, 0, len(r.upstreamIndex))
	for k, n := range r.upstreamIndex {
		ups = append(ups, namedInfo{strconv.Itoa(k), n})
	}
	clients := collect(r.clientIndex)
	listeners := collect(r.listenIndex)
	r.mu.Unlock()

	var snap Snapshot
	for _, ni := range ups {
		snap.Upstreams = append(snap.Upstreams, ni.info.snapshot(ni.key))
	}
	for _, ni := range clients {
		snap.Clients = append(snap.Clients, ni.info.snapshot(ni.key))
	}
	for _, ni := range listeners {
		snap.Listeners = append(snap.Listeners, ni.info.snapshot(ni.key))
	}
	return snap
}
