package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/planning-poker/go/internal/roomsync"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/ablychannel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/natschannel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/wschannel"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	transportWebSocket = "ws"
	transportNATS      = "nats"
	transportAbly      = "ably"

	viaChannel = "channel"
	viaHTTP    = "http"
	viaRedis   = "redis"

	recoverReconnect = "reconnect"
	recoverRestart   = "restart"
)

type Config struct {
	Session    roomsync.Config `yaml:"session"`
	Transport  string          `yaml:"transport"`
	APIBaseURL string          `yaml:"api_base_url"`
	// ActionsVia and HeartbeatVia pick the outbound path: channel, http or (heartbeat only) redis
	ActionsVia   string `yaml:"actions_via"`
	HeartbeatVia string `yaml:"heartbeat_via"`
	Recovery     string `yaml:"recovery"`
	LogLevel     string `yaml:"log_level"`

	NATS struct {
		URL         string `yaml:"url"`
		StateStream string `yaml:"state_stream"`
	} `yaml:"nats"`
	WebSocket struct {
		URL   string `yaml:"url"`
		Codec string `yaml:"codec"`
	} `yaml:"websocket"`
	Ably struct {
		Key string `yaml:"key"`
	} `yaml:"ably"`
	Redis struct {
		URL      string        `yaml:"url"`
		LeaseTTL time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`
}

func defaultConfig() Config {
	cfg := Config{
		Session:      roomsync.DefaultConfig(),
		Transport:    transportWebSocket,
		ActionsVia:   viaChannel,
		HeartbeatVia: viaChannel,
		Recovery:     recoverReconnect,
		LogLevel:     "info",
	}
	cfg.NATS.URL = natschannel.DefaultConfig().URL
	cfg.WebSocket.URL = "ws://localhost:8081/ws/room"
	cfg.WebSocket.Codec = "json"
	cfg.Redis.LeaseTTL = action.DefaultLeaseTTL
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig layers defaults, the optional YAML file and environment overrides
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Session.RoomID = getEnvAsInt64("ROOM_ID", c.Session.RoomID)
	c.Session.UserID = getEnv("ROOM_USER_ID", c.Session.UserID)
	c.Session.Username = getEnv("ROOM_USERNAME", c.Session.Username)
	c.Transport = getEnv("ROOM_TRANSPORT", c.Transport)
	c.APIBaseURL = getEnv("ROOM_API_URL", c.APIBaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.WebSocket.URL = getEnv("ROOM_WS_URL", c.WebSocket.URL)
	c.Ably.Key = getEnv("ABLY_API_KEY", c.Ably.Key)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
}

func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	switch c.Transport {
	case transportWebSocket, transportNATS, transportAbly:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.ActionsVia != viaChannel && c.ActionsVia != viaHTTP {
		return fmt.Errorf("unknown actions path %q", c.ActionsVia)
	}
	switch c.HeartbeatVia {
	case viaChannel, viaHTTP, viaRedis:
	default:
		return fmt.Errorf("unknown heartbeat path %q", c.HeartbeatVia)
	}
	if (c.ActionsVia == viaHTTP || c.HeartbeatVia == viaHTTP) && c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required for http actions or heartbeats")
	}
	if c.HeartbeatVia == viaRedis && c.Redis.URL == "" {
		return fmt.Errorf("redis url is required for redis heartbeats")
	}
	if c.Recovery != recoverReconnect && c.Recovery != recoverRestart {
		return fmt.Errorf("unknown recovery mode %q", c.Recovery)
	}
	return nil
}

func (c Config) natsConfig() natschannel.Config {
	nc := natschannel.DefaultConfig()
	nc.URL = c.NATS.URL
	nc.StateStream = c.NATS.StateStream
	return nc
}

func (c Config) wsConfig() wschannel.Config {
	wc := wschannel.DefaultConfig()
	wc.URL = c.WebSocket.URL
	return wc
}

func (c Config) ablyConfig() ablychannel.Config {
	ac := ablychannel.DefaultConfig()
	ac.Key = c.Ably.Key
	return ac
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}
