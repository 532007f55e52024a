package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"socks5balancer/internal/shared/types"
)

// LoadIni 只加载 balancer.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	applyDefaults(cfg)
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.WebConf.Port, "WEB_PORT")
	return validate(cfg)
}

// LoadServers 加载 servers.json 数据文件（监听器与上游列表）。
func LoadServers(fileName string) (*types.ServersFile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}

	var sf types.ServersFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal servers.json: %w", err)
	}
	if len(sf.Listeners) == 0 {
		return nil, fmt.Errorf("servers.json has no listeners")
	}
	if len(sf.Upstreams) == 0 {
		return nil, fmt.Errorf("servers.json has no upstreams")
	}
	for i, u := range sf.Upstreams {
		if u.Host == "" || u.Port <= 0 || u.Port > 65535 {
			return nil, fmt.Errorf("upstream %d has invalid address %q:%d", i, u.Host, u.Port)
		}
		if u.Name == "" {
			u.Name = fmt.Sprintf("upstream-%d", i)
		}
	}
	for i, l := range sf.Listeners {
		if l.Port <= 0 || l.Port > 65535 {
			return nil, fmt.Errorf("listener %d has invalid port %d", i, l.Port)
		}
		if l.Host == "" {
			l.Host = "0.0.0.0"
		}
	}
	return &sf, nil
}

func applyDefaults(cfg *types.Config) {
	cfg.CommonConf.BufferSize = 8192
	cfg.LogConf.Level = "info"
	cfg.BalanceConf.Rule = string(types.RuleRandom)
	cfg.BalanceConf.ServerChangeTime = 60 * 1000
	cfg.CheckConf.TcpCheckStart = 1000
	cfg.CheckConf.TcpCheckPeriod = 5 * 60 * 1000
	cfg.CheckConf.ConnectCheckStart = 1000
	cfg.CheckConf.ConnectCheckPeriod = 5 * 60 * 1000
	cfg.CheckConf.AdditionCheckPeriod = 10 * 1000
	cfg.CheckConf.SleepTime = 30 * 60 * 1000
	cfg.CheckConf.TestRemoteHost = "www.google.com"
	cfg.CheckConf.TestRemotePort = 443
}

func validate(cfg *types.Config) error {
	if cfg.CommonConf.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", cfg.CommonConf.BufferSize)
	}
	if cfg.CheckConf.TcpCheckPeriod <= 0 || cfg.CheckConf.ConnectCheckPeriod <= 0 ||
		cfg.CheckConf.AdditionCheckPeriod <= 0 {
		return fmt.Errorf("check periods must be positive")
	}
	if cfg.CheckConf.TestRemoteHost == "" {
		return fmt.Errorf("test_remote_host must not be empty")
	}
	if cfg.CheckConf.TestRemotePort <= 0 || cfg.CheckConf.TestRemotePort > 65535 {
		return fmt.Errorf("test_remote_port out of range: %d", cfg.CheckConf.TestRemotePort)
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
