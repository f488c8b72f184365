package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SupportedModels lists the Veo model identifiers the generation API accepts.
var SupportedModels = []string{
	"veo-2.0-generate-001",
	"veo-3.0-generate-preview",
	"veo-3.0-fast-generate-preview",
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	Transport        string
	ConfigDir        string
	StateDir         string
	DownloadDir      string
	GeminiAPIKey     string
	VeoModel         string
	GeminiBaseURL    string
	WorkerBin        string
	PollInterval     time.Duration
	PollTimeout      time.Duration
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. A missing API key or an un-creatable state
// directory is fatal; no job record may be created before this succeeds.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		configDir = filepath.Join(home, ".veo-mcp")
	}

	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		Transport:        getEnv("MCP_TRANSPORT", "stdio"),
		ConfigDir:        configDir,
		StateDir:         getEnv("STATE_DIR", filepath.Join(configDir, "generation_states")),
		DownloadDir:      getEnv("DOWNLOAD_DIR", filepath.Join(configDir, "downloads")),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		VeoModel:         getEnv("VEO_MODEL", "veo-3.0-generate-preview"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		WorkerBin:        getEnv("VEO_WORKER_BIN", defaultWorkerBin()),
		PollInterval:     time.Second * time.Duration(getEnvInt("VEO_POLL_INTERVAL_SECONDS", 20)),
		PollTimeout:      time.Second * time.Duration(getEnvInt("VEO_POLL_TIMEOUT_SECONDS", 600)),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if !SupportedModel(cfg.VeoModel) {
		return nil, fmt.Errorf("VEO_MODEL %q is not supported", cfg.VeoModel)
	}

	for _, dir := range []string{cfg.ConfigDir, cfg.StateDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// SupportedModel reports whether the given Veo model identifier is known.
func SupportedModel(model string) bool {
	for _, m := range SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// defaultWorkerBin resolves the worker executable next to the server binary
// so an install that drops both binaries in one directory needs no extra
// configuration.
func defaultWorkerBin() string {
	exe, err := os.Executable()
	if err != nil {
		return "veo-worker"
	}
	return filepath.Join(filepath.Dir(exe), "veo-worker")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
