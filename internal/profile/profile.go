package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the daemon.
type Profile struct {
	// Completion provider configuration (OpenAI-compatible protocol).
	ProviderName     string // openai, deepseek, openrouter, ollama, or any compatible
	ProviderBaseURL  string // optional, has a default per provider
	ProviderModel    string // default model pinned on new conversations
	ProviderTimeout  int    // request timeout in seconds (default: 120)
	ProviderMaxToken int    // completion token cap (default: 2048)

	// Memory pressure thresholds in bytes; zero values use the monitor's
	// built-in defaults.
	PressureElevatedBytes uint64
	PressureHighBytes     uint64
	PressureCriticalBytes uint64

	Mode    string // dev, demo, prod
	Addr    string
	Port    int
	Data    string
	Driver  string // sqlite, postgres
	DSN     string
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// FromEnv loads provider and pressure configuration from environment
// variables. Flag-driven fields (mode, port, dsn) are bound elsewhere.
func (p *Profile) FromEnv() {
	p.ProviderName = getEnvOrDefault("CHATVAULT_PROVIDER", "openai")
	p.ProviderBaseURL = getEnvOrDefault("CHATVAULT_PROVIDER_BASE_URL", "")
	p.ProviderModel = getEnvOrDefault("CHATVAULT_PROVIDER_MODEL", "")
	p.ProviderTimeout = getEnvOrDefaultInt("CHATVAULT_PROVIDER_TIMEOUT_SECONDS", 120)
	p.ProviderMaxToken = getEnvOrDefaultInt("CHATVAULT_PROVIDER_MAX_TOKENS", 2048)

	p.PressureElevatedBytes = getEnvOrDefaultUint64("CHATVAULT_PRESSURE_ELEVATED_BYTES", 0)
	p.PressureHighBytes = getEnvOrDefaultUint64("CHATVAULT_PRESSURE_HIGH_BYTES", 0)
	p.PressureCriticalBytes = getEnvOrDefaultUint64("CHATVAULT_PRESSURE_CRITICAL_BYTES", 0)
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("chatvault_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires an explicit dsn")
	}

	return nil
}
