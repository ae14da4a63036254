package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Participant names one of the services the coordinator talks to.
type Participant string

const (
	ParticipantOrder        Participant = "order"
	ParticipantInventory    Participant = "inventory"
	ParticipantPayment      Participant = "payment"
	ParticipantShipping     Participant = "shipping"
	ParticipantNotification Participant = "notification"
)

// Participants lists every known participant in workflow order.
func Participants() []Participant {
	return []Participant{
		ParticipantOrder,
		ParticipantInventory,
		ParticipantPayment,
		ParticipantShipping,
		ParticipantNotification,
	}
}

// defaultPorts follows the deployment convention http://<participant>-service:<port>.
var defaultPorts = map[Participant]int{
	ParticipantOrder:        8000,
	ParticipantInventory:    8001,
	ParticipantPayment:      8002,
	ParticipantShipping:     8003,
	ParticipantNotification: 8004,
}

// Descriptor locates a participant. Constructed once at startup and never
// re-resolved between calls.
type Descriptor struct {
	Name       Participant
	BaseURL    string
	HealthPath string
}

// Config holds all coordinator configuration, resolved once at startup into
// an immutable value passed to the communicator and engine constructors.
type Config struct {
	Port           int
	LogLevel       string
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	OTLPEndpoint   string
	Participants   map[Participant]Descriptor
}

// fileConfig is the shape of the optional YAML override file. It has the
// highest precedence below environment variables only for participant URLs;
// the rest of its fields are plain overrides of the built-in defaults.
type fileConfig struct {
	Port             int               `yaml:"port"`
	LogLevel         string            `yaml:"log_level"`
	RequestTimeoutMS int               `yaml:"request_timeout_ms"`
	MaxRetries       int               `yaml:"max_retries"`
	Participants     map[string]string `yaml:"participants"`
}

// Load resolves configuration in precedence order: explicit YAML override
// file (COORDINATOR_CONFIG), then environment variables, then the
// <participant>-service:<port> convention. A malformed value is a startup
// error; the process must not come up half-configured.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("COORDINATOR_PORT", 9000),
		LogLevel:       getEnv("COORDINATOR_LOG_LEVEL", "info"),
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		BackoffBase:    1 * time.Second,
		BackoffMax:     10 * time.Second,
		OTLPEndpoint:   os.Getenv("COORDINATOR_OTLP_ENDPOINT"),
		Participants:   make(map[Participant]Descriptor, len(Participants())),
	}

	var overrides map[string]string
	if path := os.Getenv("COORDINATOR_CONFIG"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if fc.Port != 0 {
			cfg.Port = fc.Port
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
		if fc.RequestTimeoutMS != 0 {
			cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMS) * time.Millisecond
		}
		if fc.MaxRetries != 0 {
			cfg.MaxRetries = fc.MaxRetries
		}
		overrides = fc.Participants
	}

	if raw := os.Getenv("COORDINATOR_REQUEST_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid COORDINATOR_REQUEST_TIMEOUT_MS %q", raw)
		}
		cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("COORDINATOR_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid COORDINATOR_MAX_RETRIES %q", raw)
		}
		cfg.MaxRetries = n
	}

	// Values may arrive from any source (file, env, default); validate the
	// merged result so the process never comes up with a broken retry loop.
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("invalid request timeout %s", cfg.RequestTimeout)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("invalid max retries %d", cfg.MaxRetries)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	local := getEnvBool("COORDINATOR_LOCAL", false)
	for _, p := range Participants() {
		base := resolveBaseURL(p, overrides, local)
		if _, err := url.ParseRequestURI(base); err != nil {
			return nil, fmt.Errorf("invalid base URL for participant %s: %w", p, err)
		}
		cfg.Participants[p] = Descriptor{
			Name:       p,
			BaseURL:    base,
			HealthPath: "/health",
		}
	}

	return cfg, nil
}

// resolveBaseURL applies the precedence from the deployment contract:
// config-file override, then <PARTICIPANT>_SERVICE_URL, then convention.
func resolveBaseURL(p Participant, overrides map[string]string, local bool) string {
	if overrides != nil {
		if base, ok := overrides[string(p)]; ok && base != "" {
			return base
		}
	}

	envKey := fmt.Sprintf("%s_SERVICE_URL", strings.ToUpper(string(p)))
	if base := os.Getenv(envKey); base != "" {
		return base
	}

	host := fmt.Sprintf("%s-service", p)
	if local {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, defaultPorts[p])
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
