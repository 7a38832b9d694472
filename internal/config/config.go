package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Dump     DumpConfig     `mapstructure:"dump"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port  int    `mapstructure:"port"`
	Mode  string `mapstructure:"mode"`  // debug, release
	Token string `mapstructure:"token"` // Bearer 认证令牌，空则不鉴权
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 数据库文件路径
}

type RabbitMQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	VHost       string `mapstructure:"vhost"`
	Queue       string `mapstructure:"queue"`        // 脱壳请求队列
	ResultQueue string `mapstructure:"result_queue"` // 脱壳结果队列
}

// SandboxConfig 沙盒文件操作配置
type SandboxConfig struct {
	Root    string `mapstructure:"root"`    // 沙盒根目录（空则使用宿主进程 HOME）
	Surface string `mapstructure:"surface"` // auto / runtime / raw
}

// DumpConfig 镜像重建配置
type DumpConfig struct {
	OutputDir string `mapstructure:"output_dir"` // 重建产物默认输出目录
	ChunkSize int    `mapstructure:"chunk_size"` // 内存拷贝分块大小（字节）
}

// WatcherConfig 请求文件监控配置
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	WatchDir string `mapstructure:"watch_dir"` // 脱壳请求投递目录
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	// Sandbox / Dump
	viper.BindEnv("sandbox.root", "SANDBOX_ROOT")
	viper.BindEnv("dump.output_dir", "DUMP_OUTPUT_DIR")

	// Server
	viper.BindEnv("server.token", "SERVER_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 默认值
	if cfg.Dump.ChunkSize <= 0 {
		cfg.Dump.ChunkSize = 256 * 1024
	}
	if cfg.Sandbox.Surface == "" {
		cfg.Sandbox.Surface = "auto"
	}

	return &cfg, nil
}
