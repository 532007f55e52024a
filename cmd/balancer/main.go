package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"socks5balancer/internal/app"
	"socks5balancer/internal/shared/config"
	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "balancer.ini")
	serversPath := filepath.Join(*configDir, "servers.json")

	// 1. 加载 .ini 行为配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载 servers.json 数据配置
	servers, err := config.LoadServers(serversPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load servers file '%s'", serversPath)
	}

	// 3. 创建并运行服务器
	appServer := app.New(cfg, servers)
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("AppServer exited with error")
	}
}
