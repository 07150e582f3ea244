package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string

	BrokerAPIURL    string
	BrokerWSURL     string
	BrokerAPIKey    string
	BrokerSecretKey string
	BrokerProxyAddr string // optional SOCKS5 address

	JWTSecret            string
	OperatorEmail        string
	OperatorPasswordHash string // bcrypt

	MetricsUser string
	MetricsPass string

	ListenAddr      string
	MonitorInterval time.Duration
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: .env file not found")
	}

	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BrokerAPIURL:         os.Getenv("BROKER_API_URL"),
		BrokerWSURL:          os.Getenv("BROKER_WS_URL"),
		BrokerAPIKey:         os.Getenv("BROKER_API_KEY"),
		BrokerSecretKey:      os.Getenv("BROKER_SECRET_KEY"),
		BrokerProxyAddr:      os.Getenv("BROKER_PROXY_ADDR"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		OperatorEmail:        os.Getenv("OPERATOR_EMAIL"),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		MetricsUser:          os.Getenv("METRICS_USER"),
		MetricsPass:          os.Getenv("METRICS_PASS"),
		ListenAddr:           os.Getenv("LISTEN_ADDR"),
		MonitorInterval:      60 * time.Second,
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if v := os.Getenv("MONITOR_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.MonitorInterval = time.Duration(sec) * time.Second
		} else {
			log.Printf("Warning: invalid MONITOR_INTERVAL_SEC %q, using default", v)
		}
	}

	return cfg
}
