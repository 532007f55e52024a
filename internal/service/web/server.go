package web

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer exposes the admin API. The web port being 0 disables it.
func StartServer(wg *sync.WaitGroup, cfg *types.Config, controller ServerController, hub *Hub) {
	if cfg.WebConf.Port <= 0 {
		logger.Info().Msg("[WebServer] Admin UI is disabled (web port is 0 or not set).")
		return
	}

	handler := NewHandler(controller)
	mux := http.NewServeMux()

	webUser := cfg.WebConf.User
	webPassword := cfg.WebConf.Password

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/delays", handler.HandleDelays)

	// --- 认证保护的写 API ---
	mux.Handle("/api/upstreams/set_disable", basicAuthMiddleware(http.HandlerFunc(handler.HandleSetDisable), webUser, webPassword))
	mux.Handle("/api/check/now", basicAuthMiddleware(http.HandlerFunc(handler.HandleForceCheckNow), webUser, webPassword))
	mux.Handle("/api/check/one", basicAuthMiddleware(http.HandlerFunc(handler.HandleForceCheckOne), webUser, webPassword))
	mux.Handle("/api/pool/set_last_index", basicAuthMiddleware(http.HandlerFunc(handler.HandleSetLastIndex), webUser, webPassword))
	mux.Handle("/api/sessions/close", basicAuthMiddleware(http.HandlerFunc(handler.HandleCloseSessions), webUser, webPassword))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebConf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Msgf("!!! FAILED to start admin UI on %s", addr)
		return
	}

	logger.Info().Msgf("SUCCESS: Admin UI is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
}
