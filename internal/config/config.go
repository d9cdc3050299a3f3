package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zhouzirui/carelink/internal/model/chat"
)

// Config aggregates the settings of every binary in the repository.
type Config struct {
	API    APIConfig
	Chat   ChatConfig
	WS     WSConfig
	Auth   AuthConfig
	Server ServerConfig
	Log    LogConfig
	Mock   MockConfig
}

// APIConfig points at the remote telehealth backend.
type APIConfig struct {
	BaseURL        string
	HistoryTimeout time.Duration
}

// ChatConfig tunes the session state machine.
type ChatConfig struct {
	ConnectTimeout time.Duration
	NodeID         int64
}

// WSConfig tunes the websocket transport.
type WSConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

// AuthConfig seeds the auth store. File wins over the inline identity when it exists.
type AuthConfig struct {
	File     string
	UserID   string
	UserName string
	UserRole chat.Role
	Token    string
}

// ServerConfig describes the local HTTP companion server.
type ServerConfig struct {
	Addr string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// MockConfig configures the local stand-in backend.
type MockConfig struct {
	Addr      string
	Tokens    map[string]string
	HistoryDB string
}

var defaults = map[string]any{
	"API_BASE_URL":         "http://localhost:8000",
	"HISTORY_TIMEOUT":      "15s",
	"CHAT_CONNECT_TIMEOUT": "10s",
	"NODE_ID":              1,
	"WS_HANDSHAKE_TIMEOUT": "10s",
	"WS_PING_INTERVAL":     "30s",
	"WS_WRITE_TIMEOUT":     "10s",
	"WS_READ_TIMEOUT":      "60s",
	"AUTH_FILE":            "",
	"USER_ID":              "",
	"USER_NAME":            "",
	"USER_ROLE":            "",
	"AUTH_TOKEN":           "",
	"PORT":                 "8080",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "text",
	"MOCK_PORT":            "8000",
	"MOCK_TOKENS":          "",
	"MOCK_HISTORY_DB":      "",
}

// Load reads defaults, an optional YAML file and the environment, in increasing priority.
// CONFIG_PATH selects the file; otherwise ./carelink.yaml is used when present.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("carelink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	api, err := loadAPIConfig(v)
	if err != nil {
		return nil, err
	}

	chatCfg, err := loadChatConfig(v)
	if err != nil {
		return nil, err
	}

	ws, err := loadWSConfig(v)
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig(v)
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(v.GetString("PORT"), "PORT")
	if err != nil {
		return nil, err
	}

	mock, err := loadMockConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		API:    api,
		Chat:   chatCfg,
		WS:     ws,
		Auth:   auth,
		Server: server,
		Log: LogConfig{
			Level:  strings.TrimSpace(v.GetString("LOG_LEVEL")),
			Format: strings.TrimSpace(v.GetString("LOG_FORMAT")),
		},
		Mock: mock,
	}, nil
}

func loadAPIConfig(v *viper.Viper) (APIConfig, error) {
	base := strings.TrimRight(strings.TrimSpace(v.GetString("API_BASE_URL")), "/")
	u, err := url.Parse(base)
	if err != nil {
		return APIConfig{}, fmt.Errorf("invalid API_BASE_URL value %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return APIConfig{}, fmt.Errorf("invalid API_BASE_URL value %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return APIConfig{}, fmt.Errorf("invalid API_BASE_URL value %q: host is required", base)
	}

	timeout, err := positiveDuration(v, "HISTORY_TIMEOUT")
	if err != nil {
		return APIConfig{}, err
	}

	return APIConfig{BaseURL: base, HistoryTimeout: timeout}, nil
}

func loadChatConfig(v *viper.Viper) (ChatConfig, error) {
	timeout, err := positiveDuration(v, "CHAT_CONNECT_TIMEOUT")
	if err != nil {
		return ChatConfig{}, err
	}

	// snowflake nodes are 10 bits wide.
	nodeID := v.GetInt64("NODE_ID")
	if nodeID < 0 || nodeID > 1023 {
		return ChatConfig{}, fmt.Errorf("invalid NODE_ID value %d: must be within 0..1023", nodeID)
	}

	return ChatConfig{ConnectTimeout: timeout, NodeID: nodeID}, nil
}

func loadWSConfig(v *viper.Viper) (WSConfig, error) {
	var cfg WSConfig
	var err error

	if cfg.HandshakeTimeout, err = positiveDuration(v, "WS_HANDSHAKE_TIMEOUT"); err != nil {
		return WSConfig{}, err
	}
	if cfg.PingInterval, err = positiveDuration(v, "WS_PING_INTERVAL"); err != nil {
		return WSConfig{}, err
	}
	if cfg.WriteTimeout, err = positiveDuration(v, "WS_WRITE_TIMEOUT"); err != nil {
		return WSConfig{}, err
	}
	if cfg.ReadTimeout, err = positiveDuration(v, "WS_READ_TIMEOUT"); err != nil {
		return WSConfig{}, err
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		return WSConfig{}, fmt.Errorf("WS_READ_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", cfg.ReadTimeout, cfg.PingInterval)
	}
	return cfg, nil
}

func loadAuthConfig(v *viper.Viper) (AuthConfig, error) {
	role := chat.Role(strings.ToLower(strings.TrimSpace(v.GetString("USER_ROLE"))))
	switch role {
	case "", chat.RolePatient, chat.RoleDoctor, chat.RoleAdmin:
	default:
		return AuthConfig{}, fmt.Errorf("invalid USER_ROLE value %q", role)
	}

	return AuthConfig{
		File:     strings.TrimSpace(v.GetString("AUTH_FILE")),
		UserID:   strings.TrimSpace(v.GetString("USER_ID")),
		UserName: strings.TrimSpace(v.GetString("USER_NAME")),
		UserRole: role,
		Token:    strings.TrimSpace(v.GetString("AUTH_TOKEN")),
	}, nil
}

// loadServerConfig turns a PORT style value into a listen address.
func loadServerConfig(port, key string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadMockConfig(v *viper.Viper) (MockConfig, error) {
	server, err := loadServerConfig(v.GetString("MOCK_PORT"), "MOCK_PORT")
	if err != nil {
		return MockConfig{}, err
	}

	tokens, err := parseTokens(v.GetString("MOCK_TOKENS"))
	if err != nil {
		return MockConfig{}, err
	}

	return MockConfig{
		Addr:      server.Addr,
		Tokens:    tokens,
		HistoryDB: strings.TrimSpace(v.GetString("MOCK_HISTORY_DB")),
	}, nil
}

// parseTokens reads "token=user,token2=user2".
func parseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid MOCK_TOKENS entry %q: want token=user", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return d, nil
}
