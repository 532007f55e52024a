package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"socks5balancer/internal/core/pool"
	"socks5balancer/internal/core/stats"
)

// ServerController defines the interface the web handler uses to interact
// with the AppServer. This decouples the web package from the app package.
type ServerController interface {
	PoolSnapshot() []pool.ServerSnapshot
	PoolRule() string
	LastUseUpstreamIndex() int
	StatsSnapshot() stats.Snapshot
	DelayHistory(index int) (tcp, http, relayFirst []pool.DelayInfo, ok bool)

	SetManualDisable(index int, disable bool) bool
	ForceCheckNow()
	ForceCheckOne(index int) bool
	ForceSetLastIndex(index int) bool
	CloseBucketSessions(scope, key string) bool
}

type Handler struct {
	controller ServerController
}

func NewHandler(controller ServerController) *Handler {
	return &Handler{controller: controller}
}

// statusView is the read-only snapshot served at /api/status.
type statusView struct {
	Rule                 string                `json:"rule"`
	LastUseUpstreamIndex int                   `json:"last_use_upstream_index"`
	Upstreams            []pool.ServerSnapshot `json:"upstreams"`
	Stats                stats.Snapshot        `json:"stats"`
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := statusView{
		Rule:                 h.controller.PoolRule(),
		LastUseUpstreamIndex: h.controller.LastUseUpstreamIndex(),
		Upstreams:            h.controller.PoolSnapshot(),
		Stats:                h.controller.StatsSnapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// HandleDelays 处理 GET /api/delays?index=N 请求
func (h *Handler) HandleDelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	tcp, httpPing, relayFirst, ok := h.controller.DelayHistory(index)
	if !ok {
		http.Error(w, "no such upstream", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]pool.DelayInfo{
		"tcp_ping":          tcp,
		"http_ping":         httpPing,
		"relay_first_delay": relayFirst,
	})
}

// HandleSetDisable 处理 POST /api/upstreams/set_disable?index=N&disable=true
func (h *Handler) HandleSetDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	disable, err := strconv.ParseBool(r.URL.Query().Get("disable"))
	if err != nil {
		http.Error(w, "invalid disable flag", http.StatusBadRequest)
		return
	}
	if !h.controller.SetManualDisable(index, disable) {
		http.Error(w, "no such upstream", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "ok"}`))
}

// HandleForceCheckNow 处理 POST /api/check/now
func (h *Handler) HandleForceCheckNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.controller.ForceCheckNow()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "check scheduled"}`))
}

// HandleForceCheckOne 处理 POST /api/check/one?index=N
func (h *Handler) HandleForceCheckOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	if !h.controller.ForceCheckOne(index) {
		http.Error(w, "no such upstream", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "check scheduled"}`))
}

// HandleSetLastIndex 处理 POST /api/pool/set_last_index?index=N
func (h *Handler) HandleSetLastIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	if !h.controller.ForceSetLastIndex(index) {
		http.Error(w, "index out of range", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "ok"}`))
}

// HandleCloseSessions 处理 POST /api/sessions/close?scope=upstream|client|listen&key=K
func (h *Handler) HandleCloseSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope := r.URL.Query().Get("scope")
	key := r.URL.Query().Get("key")
	if !h.controller.CloseBucketSessions(scope, key) {
		http.Error(w, "unknown scope or key", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "sessions closing"}`))
}
