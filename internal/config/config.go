package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("无效的配置")

// Config 应用程序配置结构
type Config struct {
	// 服务注册表配置
	Registry struct {
		DiscoveryInterval    time.Duration `mapstructure:"discovery_interval"`
		HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
		SilenceWindow        time.Duration `mapstructure:"silence_window"`
		ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
		ProbeConcurrency     int           `mapstructure:"probe_concurrency"`
		StopTimeout          time.Duration `mapstructure:"stop_timeout"`
		ForwardHealthMetrics bool          `mapstructure:"forward_health_metrics"` // 健康结果是否写入告警引擎
	} `mapstructure:"registry"`

	// 指标与告警配置
	Alerting struct {
		HistoryLimit    int               `mapstructure:"history_limit"`
		AlertRetention  time.Duration     `mapstructure:"alert_retention"`
		MonitorInterval time.Duration     `mapstructure:"monitor_interval"`
		StopTimeout     time.Duration     `mapstructure:"stop_timeout"`
		Thresholds      []ThresholdConfig `mapstructure:"thresholds"`
	} `mapstructure:"alerting"`

	// API服务配置
	API struct {
		// 管理API端口配置
		Management struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"management"`

		// 服务注册API端口配置
		Registration struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"registration"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// etcd注册源配置
	Etcd struct {
		Enabled   bool     `mapstructure:"enabled"`
		Endpoints []string `mapstructure:"endpoints"`
		Username  string   `mapstructure:"username"`
		Password  string   `mapstructure:"password"`
		Prefix    string   `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// ThresholdConfig 配置文件中声明的指标阈值
type ThresholdConfig struct {
	Metric    string  `mapstructure:"metric"`
	Warning   float64 `mapstructure:"warning"`
	Error     float64 `mapstructure:"error"`
	Critical  float64 `mapstructure:"critical"`
	Direction string  `mapstructure:"direction"` // "above" 或 "below"，默认above
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-monitor")
		v.AddConfigPath("/etc/kong-monitor")
	}

	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("KONG_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置，阈值顺序在这里检查而不是在告警引擎中
func (c *Config) Validate() error {
	if c.API.Management.Port <= 0 || c.API.Management.Port > 65535 {
		return fmt.Errorf("%w: 管理API端口无效: %d", ErrInvalidConfig, c.API.Management.Port)
	}
	if c.API.Registration.Port <= 0 || c.API.Registration.Port > 65535 {
		return fmt.Errorf("%w: 注册API端口无效: %d", ErrInvalidConfig, c.API.Registration.Port)
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("%w: 启用etcd时必须配置endpoints", ErrInvalidConfig)
	}

	for _, t := range c.Alerting.Thresholds {
		if t.Metric == "" {
			return fmt.Errorf("%w: 阈值缺少指标名称", ErrInvalidConfig)
		}
		switch strings.ToLower(t.Direction) {
		case "", "above":
			if !(t.Warning <= t.Error && t.Error <= t.Critical) {
				return fmt.Errorf("%w: 指标%s的阈值必须满足 warning <= error <= critical", ErrInvalidConfig, t.Metric)
			}
		case "below":
			if !(t.Warning >= t.Error && t.Error >= t.Critical) {
				return fmt.Errorf("%w: 指标%s的阈值必须满足 warning >= error >= critical", ErrInvalidConfig, t.Metric)
			}
		default:
			return fmt.Errorf("%w: 指标%s的阈值方向无效: %s", ErrInvalidConfig, t.Metric, t.Direction)
		}
	}

	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 注册表默认配置
	v.SetDefault("registry.discovery_interval", 30*time.Second)
	v.SetDefault("registry.health_check_interval", 60*time.Second)
	v.SetDefault("registry.silence_window", 300*time.Second)
	v.SetDefault("registry.probe_timeout", 5*time.Second)
	v.SetDefault("registry.probe_concurrency", 1)
	v.SetDefault("registry.stop_timeout", 2*time.Second)
	v.SetDefault("registry.forward_health_metrics", true)

	// 告警引擎默认配置
	v.SetDefault("alerting.history_limit", 1000)
	v.SetDefault("alerting.alert_retention", 24*time.Hour)
	v.SetDefault("alerting.monitor_interval", 60*time.Second)
	v.SetDefault("alerting.stop_timeout", 2*time.Second)

	// API服务默认配置
	v.SetDefault("api.management.listen_address", "0.0.0.0")
	v.SetDefault("api.management.port", 8080)
	v.SetDefault("api.registration.listen_address", "0.0.0.0")
	v.SetDefault("api.registration.port", 8081)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "service.local")
	v.SetDefault("dns.ttl", 30)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/services/")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "KONG_MONITOR_ETCD_ENDPOINTS")
	v.BindEnv("dns.port", "KONG_MONITOR_DNS_PORT")
	v.BindEnv("api.management.port", "KONG_MONITOR_MANAGEMENT_API_PORT")
	v.BindEnv("api.registration.port", "KONG_MONITOR_REGISTRATION_API_PORT")
	v.BindEnv("registry.discovery_interval", "KONG_MONITOR_DISCOVERY_INTERVAL")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-monitor/config.yaml",
		"/etc/kong-monitor/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
