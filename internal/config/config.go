package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

// Transcript selects and locates the conversation store.
type Transcript struct {
	Backend string
	Dir     string
	DBURL   string
}

// Config contains runtime configuration of the gateway.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	SigningSecret string
	BotToken      string
	BotUserID     string // overrides auth.test when set
	SlackAPIURL   string

	AgentBackendURL        string
	AgentAPIKey            string
	ForwardTimeout         time.Duration
	ForwardBreakerFailures int // 0 disables the breaker

	DedupTTL      time.Duration
	Workers       int
	QueueSize     int
	UserCacheSize int

	Transcript Transcript

	DeadLetterAMQPURL  string
	DeadLetterExchange string

	AdminKeys map[string]string // apiKey -> operator
}

// AgentConfig contains runtime configuration of the agent service.
type AgentConfig struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	APIKeys map[string]string // apiKey -> caller

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	LLMTimeout    time.Duration
	SystemPrompt  string

	Transcript Transcript
}

// GatewayFlags declares the command-line overrides of the gateway.
func GatewayFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.String("listen-addr", ":3000", "HTTP listen address")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or text")
	return fs
}

// AgentFlags declares the command-line overrides of the agent service.
func AgentFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("listen-addr", ":8000", "HTTP listen address")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or text")
	return fs
}

// Load reads the gateway configuration from environment variables, with
// parsed flags taking precedence. flags may be nil.
// ADMIN_API_KEYS format: "operator1:key1,operator2:key2"
func Load(flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(flags)
	if err != nil {
		return Config{}, err
	}
	v.SetDefault("listen_addr", ":3000")
	v.SetDefault("slack_api_url", "https://slack.com/api")
	v.SetDefault("agent_backend_url", "http://localhost:8000")
	v.SetDefault("forward_timeout", "120s")
	v.SetDefault("forward_breaker_failures", 5)
	v.SetDefault("dedup_ttl", "300s")
	v.SetDefault("workers", 8)
	v.SetDefault("queue_size", 256)
	v.SetDefault("user_cache_size", 1024)
	v.SetDefault("deadletter_exchange", "agent-gateway.deadletter")
	setTranscriptDefaults(v)

	cfg := Config{
		ListenAddr:             v.GetString("listen_addr"),
		LogLevel:               v.GetString("log_level"),
		LogFormat:              v.GetString("log_format"),
		SigningSecret:          strings.TrimSpace(v.GetString("slack_signing_secret")),
		BotToken:               strings.TrimSpace(v.GetString("slack_bot_token")),
		BotUserID:              strings.TrimSpace(v.GetString("slack_bot_user_id")),
		SlackAPIURL:            v.GetString("slack_api_url"),
		AgentBackendURL:        strings.TrimRight(v.GetString("agent_backend_url"), "/"),
		AgentAPIKey:            v.GetString("agent_api_key"),
		ForwardBreakerFailures: v.GetInt("forward_breaker_failures"),
		Workers:                v.GetInt("workers"),
		QueueSize:              v.GetInt("queue_size"),
		UserCacheSize:          v.GetInt("user_cache_size"),
		DeadLetterAMQPURL:      strings.TrimSpace(v.GetString("deadletter_amqp_url")),
		DeadLetterExchange:     v.GetString("deadletter_exchange"),
	}

	if cfg.SigningSecret == "" {
		return Config{}, errors.New("SLACK_SIGNING_SECRET required")
	}
	if cfg.ForwardTimeout, err = seconds(v, "forward_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.DedupTTL, err = seconds(v, "dedup_ttl"); err != nil {
		return Config{}, err
	}
	if cfg.Workers <= 0 {
		return Config{}, errors.New("WORKERS must be positive")
	}
	if cfg.QueueSize < 0 || cfg.UserCacheSize <= 0 || cfg.ForwardBreakerFailures < 0 {
		return Config{}, errors.New("QUEUE_SIZE, USER_CACHE_SIZE and FORWARD_BREAKER_FAILURES must not be negative")
	}
	if cfg.Transcript, err = loadTranscript(v); err != nil {
		return Config{}, err
	}
	if cfg.AdminKeys, err = ParseKeys(v.GetString("admin_api_keys"), "ADMIN_API_KEYS"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadAgent reads the agent service configuration.
// AGENT_API_KEYS format: "caller1:key1,caller2:key2"; empty leaves /agent/invoke open.
func LoadAgent(flags *pflag.FlagSet) (AgentConfig, error) {
	v, err := newViper(flags)
	if err != nil {
		return AgentConfig{}, err
	}
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm_timeout", "900s")
	setTranscriptDefaults(v)

	cfg := AgentConfig{
		ListenAddr:    v.GetString("listen_addr"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		OpenAIKey:     strings.TrimSpace(v.GetString("openai_api_key")),
		OpenAIModel:   v.GetString("openai_model"),
		OpenAIBaseURL: v.GetString("openai_base_url"),
		SystemPrompt:  v.GetString("agent_system_prompt"),
	}

	if cfg.OpenAIKey == "" {
		return AgentConfig{}, errors.New("OPENAI_API_KEY required")
	}
	if cfg.LLMTimeout, err = seconds(v, "llm_timeout"); err != nil {
		return AgentConfig{}, err
	}
	if cfg.Transcript, err = loadTranscript(v); err != nil {
		return AgentConfig{}, err
	}
	if cfg.APIKeys, err = ParseKeys(v.GetString("agent_api_keys"), "AGENT_API_KEYS"); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

// ParseKeys parses "name:key,name:key" into key -> name. envName only
// labels the error.
func ParseKeys(raw, envName string) (map[string]string, error) {
	keys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}

	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf(`%s must be "name:key,name:key"`, envName)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, fmt.Errorf(`%s must be "name:key,name:key"`, envName)
		}
		keys[key] = name
	}
	return keys, nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if flags == nil {
		return v, nil
	}
	for key, name := range map[string]string{
		"listen_addr": "listen-addr",
		"log_level":   "log-level",
		"log_format":  "log-format",
	} {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return v, nil
}

func setTranscriptDefaults(v *viper.Viper) {
	v.SetDefault("transcript_backend", transcript.BackendFile)
	v.SetDefault("transcript_dir", "chat_history")
}

func loadTranscript(v *viper.Viper) (Transcript, error) {
	t := Transcript{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("transcript_backend"))),
		Dir:     v.GetString("transcript_dir"),
		DBURL:   strings.TrimSpace(v.GetString("db_url")),
	}
	switch t.Backend {
	case transcript.BackendFile:
		if t.Dir == "" {
			return Transcript{}, errors.New("TRANSCRIPT_DIR required")
		}
	case transcript.BackendPostgres:
		if t.DBURL == "" {
			return Transcript{}, errors.New("DB_URL required")
		}
	default:
		return Transcript{}, fmt.Errorf("TRANSCRIPT_BACKEND must be %q or %q", transcript.BackendFile, transcript.BackendPostgres)
	}
	return t, nil
}

// seconds reads a duration. Bare integers are seconds, anything else must
// parse with time.ParseDuration.
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%s must be positive", strings.ToUpper(key))
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", strings.ToUpper(key))
	}
	return d, nil
}
