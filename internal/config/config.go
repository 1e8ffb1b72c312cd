package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type TURNServer struct {
	URLs     []string `mapstructure:"urls"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	STUNServers []string     `mapstructure:"stun_servers"`
	TURNServers []TURNServer `mapstructure:"turn_servers"`

	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	RejoinInterval     time.Duration `mapstructure:"rejoin_interval"`
	RejoinMaxWait      time.Duration `mapstructure:"rejoin_max_wait"`

	WriteRetries      int           `mapstructure:"write_retries"`
	WriteRetryBackoff time.Duration `mapstructure:"write_retry_backoff"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("rejoin_interval", "500ms")
	v.SetDefault("rejoin_max_wait", "30s")
	v.SetDefault("write_retries", 3)
	v.SetDefault("write_retry_backoff", "250ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Timeout: %s\n", cfg.Mode, cfg.Port, cfg.NegotiationTimeout)
	return &cfg, nil
}
