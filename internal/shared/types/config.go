package types

import "time"

// CommonConf 包含共有的配置
type CommonConf struct {
	BufferSize int `ini:"buffer_size"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	// File, when set, additionally writes rotated log files to this path.
	File string `ini:"file"`
}

// WebConf 包含管理界面特有的配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// BalanceConf 控制上游选择策略。时间值单位为毫秒。
type BalanceConf struct {
	Rule             string `ini:"rule"`
	ServerChangeTime int    `ini:"server_change_time"`
}

// CheckConf 控制健康检查定时器。时间值单位为毫秒。
type CheckConf struct {
	TcpCheckStart       int    `ini:"tcp_check_start"`
	TcpCheckPeriod      int    `ini:"tcp_check_period"`
	ConnectCheckStart   int    `ini:"connect_check_start"`
	ConnectCheckPeriod  int    `ini:"connect_check_period"`
	AdditionCheckPeriod int    `ini:"addition_check_period"`
	SleepTime           int    `ini:"sleep_time"`
	TestRemoteHost      string `ini:"test_remote_host"`
	TestRemotePort      int    `ini:"test_remote_port"`
}

// Config 是统一配置结构体 (只包含行为配置，监听器与上游列表在 servers.json)
type Config struct {
	CommonConf  `ini:"common"`
	LogConf     `ini:"log"`
	WebConf     `ini:"web"`
	BalanceConf `ini:"balance"`
	CheckConf   `ini:"check"`
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func (c *Config) ServerChangeDuration() time.Duration {
	return msDuration(c.BalanceConf.ServerChangeTime)
}
func (c *Config) TcpCheckStartDuration() time.Duration { return msDuration(c.CheckConf.TcpCheckStart) }
func (c *Config) TcpCheckPeriodDuration() time.Duration {
	return msDuration(c.CheckConf.TcpCheckPeriod)
}
func (c *Config) ConnectCheckStartDuration() time.Duration {
	return msDuration(c.CheckConf.ConnectCheckStart)
}
func (c *Config) ConnectCheckPeriodDuration() time.Duration {
	return msDuration(c.CheckConf.ConnectCheckPeriod)
}
func (c *Config) AdditionCheckPeriodDuration() time.Duration {
	return msDuration(c.CheckConf.AdditionCheckPeriod)
}
func (c *Config) SleepTimeDuration() time.Duration { return msDuration(c.CheckConf.SleepTime) }

// ListenerProfile 定义了一个本地监听器。
type ListenerProfile struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// UpstreamProfile 定义了一个后端 SOCKS5 代理的静态配置。
type UpstreamProfile struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Disable bool   `json:"disable"`
}

// ServersFile 是 servers.json 的顶层结构。
type ServersFile struct {
	Listeners []*ListenerProfile `json:"listeners"`
	Upstreams []*UpstreamProfile `json:"upstreams"`
}
