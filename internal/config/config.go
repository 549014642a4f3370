package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	BalanceChanged string `mapstructure:"balance_changed"`
}

type BusinessConfig struct {
	RoundingEpsilon          int64 `mapstructure:"rounding_epsilon"`           // 余额比对容差（最小货币单位）
	LockWaitIntervalMs       int   `mapstructure:"lock_wait_interval_ms"`      // 客户锁重试间隔
	LockWaitMaxRetries       int   `mapstructure:"lock_wait_max_retries"`      // 客户锁最大重试次数（有界等待）
	ReconcileIntervalSeconds int   `mapstructure:"reconcile_interval_seconds"` // 对账巡检周期
	DuplicateWindowSeconds   int   `mapstructure:"duplicate_window_seconds"`   // 重复条目判定时间窗
	MaxRetryCount            int   `mapstructure:"max_retry_count"`            // 发件箱最大重试次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
